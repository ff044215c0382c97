package content

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/semrecall/contentcache"
	"github.com/c360/semrecall/errors"
	"github.com/c360/semrecall/natsclient"
)

const component = "ContentStore"

// groupCollection names a group's cache entry
func groupCollection(groupID string) string {
	return "group-" + groupID
}

// KVStore is the primary content storage, a KV bucket holding one Record
// per document id. It implements Resolver; group lookups scan the bucket
// and are fronted by the best-effort collection cache when one is
// configured.
type KVStore struct {
	kv     *natsclient.KVStore
	cache  *contentcache.Cache
	logger *slog.Logger
}

// StoreOption configures a KVStore
type StoreOption func(*KVStore)

// WithCache fronts group lookups with the collection cache
func WithCache(cache *contentcache.Cache) StoreOption {
	return func(s *KVStore) {
		s.cache = cache
	}
}

// WithStoreLogger sets the logger
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *KVStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewKVStore creates content storage over the given bucket.
func NewKVStore(bucket jetstream.KeyValue, opts ...StoreOption) *KVStore {
	s := &KVStore{
		kv:     natsclient.NewKVStore(bucket),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save writes the record, replacing any previous revision. A grouped
// record invalidates its group's cached membership; when the write moves
// the record out of a group, the old group's cache entry is invalidated
// too so it stops listing the moved document.
func (s *KVStore) Save(ctx context.Context, rec *Record) error {
	if rec == nil || rec.DocID == "" {
		return errors.WrapInvalid(errors.ErrEmptyKey, component, "Save", "record has no doc id")
	}
	if rec.OwnerID == "" {
		return errors.WrapInvalid(errors.ErrOwnerRequired, component, "Save", "record has no owner")
	}

	prev, err := s.Resolve(ctx, rec.DocID)
	if err != nil {
		s.logger.Warn("could not read prior revision before save", "doc_id", rec.DocID, "error", err)
		prev = nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, component, "Save", "marshal record")
	}

	if _, err := s.kv.Put(ctx, rec.DocID, data); err != nil {
		return errors.WrapTransient(err, component, "Save", "write record")
	}

	s.invalidateGroup(ctx, rec)
	if prev != nil && (prev.GroupID != rec.GroupID || prev.OwnerID != rec.OwnerID) {
		s.invalidateGroup(ctx, prev)
	}
	return nil
}

// Delete removes the record if it exists. Removing an absent record is not
// an error.
func (s *KVStore) Delete(ctx context.Context, docID string) error {
	if docID == "" {
		return errors.WrapInvalid(errors.ErrEmptyKey, component, "Delete", "doc id is empty")
	}

	rec, err := s.Resolve(ctx, docID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	if err := s.kv.Delete(ctx, docID); err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(err, component, "Delete", "delete record")
	}

	s.invalidateGroup(ctx, rec)
	return nil
}

func (s *KVStore) invalidateGroup(ctx context.Context, rec *Record) {
	if s.cache == nil || rec.GroupID == "" {
		return
	}
	s.cache.Invalidate(ctx, rec.OwnerID, groupCollection(rec.GroupID))
}

// Resolve returns the current record for docID, or (nil, nil) when the
// document no longer exists.
func (s *KVStore) Resolve(ctx context.Context, docID string) (*Record, error) {
	if docID == "" {
		return nil, errors.WrapInvalid(errors.ErrEmptyKey, component, "Resolve", "doc id is empty")
	}

	entry, err := s.kv.Get(ctx, docID)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, component, "Resolve", "read record")
	}

	var rec Record
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, errors.WrapTransient(err, component, "Resolve", "decode record")
	}
	return &rec, nil
}

// ResolveGroup returns the ids of the owner's documents in the group. The
// bucket has no secondary index, so an uncached lookup scans every record;
// the result is cached per owner and group until the next write to the
// group.
func (s *KVStore) ResolveGroup(ctx context.Context, groupID, ownerID string) ([]string, error) {
	if groupID == "" {
		return nil, errors.WrapInvalid(errors.ErrEmptyKey, component, "ResolveGroup", "group id is empty")
	}
	if ownerID == "" {
		return nil, errors.WrapInvalid(errors.ErrOwnerRequired, component, "ResolveGroup", "owner id is empty")
	}

	if s.cache != nil {
		if raws, ok := s.cache.Get(ctx, ownerID, groupCollection(groupID)); ok {
			return memberIDs(raws), nil
		}
	}

	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, component, "ResolveGroup", "list records")
	}

	var ids []string
	var raws []json.RawMessage
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(err, component, "ResolveGroup", "read record")
		}

		var rec Record
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			s.logger.Warn("skipping undecodable record in group scan", "key", key, "error", err)
			continue
		}
		if rec.GroupID != groupID || rec.OwnerID != ownerID {
			continue
		}

		ids = append(ids, rec.DocID)
		raws = append(raws, json.RawMessage(entry.Value))
	}

	if s.cache != nil {
		s.cache.Set(ctx, ownerID, groupCollection(groupID), raws)
	}

	return ids, nil
}

// memberIDs extracts doc ids from cached group members
func memberIDs(raws []json.RawMessage) []string {
	ids := make([]string, 0, len(raws))
	for _, raw := range raws {
		var rec struct {
			DocID string `json:"doc_id"`
		}
		if err := json.Unmarshal(raw, &rec); err != nil || rec.DocID == "" {
			continue
		}
		ids = append(ids, rec.DocID)
	}
	return ids
}
