// Package vectorstore persists embedded note records in a JetStream KV
// bucket and serves owner-scoped similarity search from an in-memory index.
//
// The KV bucket is the source of truth: records expire via the bucket's
// MaxAge, and every overwrite restarts a record's expiry clock. The
// in-memory index is a derived structure, warmed at startup and kept
// coherent by a bucket watcher, so search never touches the bucket.
package vectorstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/c360/semrecall/errors"
)

// Record is a stored note with its embedding.
type Record struct {
	DocID     string          `json:"doc_id"`
	OwnerID   string          `json:"owner_id"`
	Text      string          `json:"text"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	Vector    []float32       `json:"vector"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Match is one similarity search hit.
type Match struct {
	DocID string
	Score float64
}

// validateOwner rejects empty owner ids before any side effect
func validateOwner(component, operation, ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return errors.WrapInvalid(errors.ErrOwnerRequired, component, operation, "owner id is empty")
	}
	return nil
}

// validateDocID rejects ids that cannot be KV keys: empty, whitespace, or
// malformed dot segments
func validateDocID(component, operation, docID string) error {
	if docID == "" {
		return errors.WrapInvalid(errors.ErrEmptyKey, component, operation, "doc id is empty")
	}
	for _, r := range docID {
		if unicode.IsSpace(r) {
			return errors.WrapInvalid(errors.ErrInvalidKey, component, operation,
				fmt.Sprintf("doc id %q contains whitespace", docID))
		}
	}
	if strings.HasPrefix(docID, ".") || strings.HasSuffix(docID, ".") || strings.Contains(docID, "..") {
		return errors.WrapInvalid(errors.ErrInvalidKey, component, operation,
			fmt.Sprintf("doc id %q has empty key segment", docID))
	}
	return nil
}
