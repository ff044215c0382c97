// Package content defines the contract for resolving note content owned by
// another system of record.
//
// The vector store indexes content it does not own: documents live in an
// external content service, and this package's Resolver is how the recall
// pipeline fetches current text for a document id at answer time. Resolution
// happening at query time (not index time) is what lets the pipeline skip
// documents deleted since they were indexed.
package content

import "context"

// Record is the resolved content for a single document.
type Record struct {
	// DocID identifies the document in the owning system.
	DocID string `json:"doc_id"`

	// OwnerID is the principal the document belongs to. The pipeline
	// re-verifies this against the requesting owner even after an
	// owner-filtered search.
	OwnerID string `json:"owner_id"`

	// Content is the primary text of the document.
	Content string `json:"content"`

	// Extracted carries machine-derived secondary texts.
	Extracted Extracted `json:"extracted,omitempty"`

	// GroupID optionally links related documents (for example, all notes
	// attached to one task).
	GroupID string `json:"group_id,omitempty"`
}

// Extracted holds text derived from document attachments.
type Extracted struct {
	// OCRTexts is text recognized from images.
	OCRTexts []string `json:"ocr_texts,omitempty"`

	// FileTexts is text extracted from attached documents.
	FileTexts []string `json:"file_texts,omitempty"`
}

// Empty reports whether no secondary text is present
func (e Extracted) Empty() bool {
	return len(e.OCRTexts) == 0 && len(e.FileTexts) == 0
}

// Resolver fetches document content from the owning system.
//
// KVStore is the bundled implementation; testutil provides an in-memory
// fake for tests.
type Resolver interface {
	// Resolve returns the content record for docID, or (nil, nil) when the
	// document no longer exists. Errors are reserved for infrastructure
	// failures.
	Resolve(ctx context.Context, docID string) (*Record, error)

	// ResolveGroup returns the docIDs belonging to groupID as the owning
	// system sees them, scoped to ownerID. Callers must still verify
	// per-document ownership before acting on the result.
	ResolveGroup(ctx context.Context, groupID, ownerID string) ([]string, error)
}
