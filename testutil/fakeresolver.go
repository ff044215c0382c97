package testutil

import (
	"context"
	"sync"

	"github.com/c360/semrecall/content"
)

// FakeResolver is an in-memory content.Resolver for tests.
type FakeResolver struct {
	mu      sync.RWMutex
	records map[string]*content.Record

	// ResolveErr, when set, is returned by every Resolve call
	ResolveErr error
}

// NewFakeResolver creates an empty resolver
func NewFakeResolver() *FakeResolver {
	return &FakeResolver{
		records: make(map[string]*content.Record),
	}
}

// Add registers a record under its DocID
func (f *FakeResolver) Add(rec *content.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.DocID] = rec
}

// Remove deletes a record, simulating content deleted after indexing
func (f *FakeResolver) Remove(docID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, docID)
}

// Resolve returns the record for docID, or (nil, nil) when absent
func (f *FakeResolver) Resolve(_ context.Context, docID string) (*content.Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.ResolveErr != nil {
		return nil, f.ResolveErr
	}

	rec, ok := f.records[docID]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

// ResolveGroup returns docIDs whose record carries the group and owner
func (f *FakeResolver) ResolveGroup(_ context.Context, groupID, ownerID string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.ResolveErr != nil {
		return nil, f.ResolveErr
	}

	var ids []string
	for _, rec := range f.records {
		if rec.GroupID == groupID && rec.OwnerID == ownerID {
			ids = append(ids, rec.DocID)
		}
	}
	return ids, nil
}
