package vectorstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/semrecall/config"
	"github.com/c360/semrecall/content"
	"github.com/c360/semrecall/errors"
	"github.com/c360/semrecall/metric"
	"github.com/c360/semrecall/natsclient"
	"github.com/c360/semrecall/pkg/embedding"
)

const component = "VectorStore"

// warmConcurrency bounds parallel KV reads during index warm-up
const warmConcurrency = 8

// errUpdateMiss aborts a CAS update when the record is absent or owned by
// someone else. Never returned to callers.
var errUpdateMiss = stderrors.New("update target missing")

// Store persists embedded records and serves owner-scoped similarity search.
//
// Writes go to the KV bucket first, then to the in-memory index, so a crash
// between the two loses only index coherence the watcher will restore.
// Ownership is immutable once a record exists: updates never rewrite
// owner_id, and owner-mismatched reads and writes behave exactly like
// missing records.
type Store struct {
	kv       *natsclient.KVStore
	index    *memoryIndex
	embedder embedding.Embedder
	resolver content.Resolver
	cfg      config.VectorStoreConfig
	logger   *slog.Logger
	metrics  *storeMetrics
	watcher  jetstream.KeyWatcher
	cancel   context.CancelFunc
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics registers store metrics with the registrar
func WithMetrics(registrar metric.MetricsRegistrar) Option {
	return func(s *Store) {
		m, err := newStoreMetrics(registrar)
		if err != nil {
			s.logger.Warn("vector store metrics registration failed", "error", err)
			return
		}
		s.metrics = m
	}
}

// WithResolver sets the content resolver used by DeleteGroup
func WithResolver(resolver content.Resolver) Option {
	return func(s *Store) {
		s.resolver = resolver
	}
}

// NewStore creates a vector store over the given bucket, warms the
// in-memory index from existing records, and starts a watcher that keeps
// the index coherent with writes from other processes.
func NewStore(ctx context.Context, bucket jetstream.KeyValue, embedder embedding.Embedder,
	cfg config.VectorStoreConfig, opts ...Option) (*Store, error) {

	if bucket == nil {
		return nil, errors.WrapInvalid(errors.ErrStorageUnavailable, component, "NewStore", "bucket is nil")
	}
	if embedder == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, component, "NewStore", "embedder is nil")
	}
	if cfg.TTLSeconds < 1 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, component, "NewStore", "ttl must be positive")
	}
	if cfg.OverfetchMultiplier < 1 {
		cfg.OverfetchMultiplier = 3
	}

	storeCtx, cancel := context.WithCancel(ctx)

	index, err := newMemoryIndex(storeCtx, time.Duration(cfg.TTLSeconds)*time.Second)
	if err != nil {
		cancel()
		return nil, errors.WrapFatal(err, component, "NewStore", "create index")
	}

	s := &Store{
		kv:       natsclient.NewKVStore(bucket),
		index:    index,
		embedder: embedder,
		cfg:      cfg,
		logger:   slog.Default(),
		metrics:  &storeMetrics{},
		cancel:   cancel,
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.warmIndex(storeCtx); err != nil {
		s.Close()
		return nil, err
	}

	if err := s.startWatcher(storeCtx); err != nil {
		s.Close()
		return nil, err
	}

	s.logger.Info("vector store ready",
		"bucket", bucket.Bucket(),
		"indexed", s.index.size(),
		"ttl_seconds", cfg.TTLSeconds)

	return s, nil
}

// warmIndex loads every live record from the bucket into the index
func (s *Store) warmIndex(ctx context.Context) error {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return errors.WrapTransient(err, component, "warmIndex", "list bucket keys")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)

	for _, key := range keys {
		g.Go(func() error {
			entry, err := s.kv.Get(gctx, key)
			if err != nil {
				if natsclient.IsKVNotFoundError(err) {
					return nil // expired between list and read
				}
				return err
			}

			var rec Record
			if err := json.Unmarshal(entry.Value, &rec); err != nil {
				// A corrupt record should not block startup
				s.logger.Warn("skipping undecodable record during warm-up", "key", key, "error", err)
				return nil
			}

			s.index.set(rec.DocID, rec.OwnerID, rec.Vector)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return errors.WrapTransient(err, component, "warmIndex", "load records")
	}

	s.metrics.setIndexSize(s.index.size())
	return nil
}

// startWatcher keeps the index coherent with bucket writes from any process
func (s *Store) startWatcher(ctx context.Context) error {
	watcher, err := s.kv.Watch(ctx, ">")
	if err != nil {
		return errors.WrapTransient(err, component, "startWatcher", "create bucket watcher")
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// End of initial replay
					continue
				}
				s.applyWatchEntry(entry)
			}
		}
	}()

	return nil
}

func (s *Store) applyWatchEntry(entry jetstream.KeyValueEntry) {
	switch entry.Operation() {
	case jetstream.KeyValuePut:
		var rec Record
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			s.logger.Warn("ignoring undecodable watch update", "key", entry.Key(), "error", err)
			return
		}
		s.index.set(rec.DocID, rec.OwnerID, rec.Vector)
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		s.index.delete(entry.Key())
	}
	s.metrics.setIndexSize(s.index.size())
}

// Close stops the watcher and releases the index
func (s *Store) Close() {
	s.cancel()
	if s.watcher != nil {
		_ = s.watcher.Stop()
	}
	s.index.close()
}

// encode turns text into a vector, mapping failures onto the encoding
// sentinel so callers can classify them
func (s *Store) encode(ctx context.Context, operation, text string) ([]float32, error) {
	vectors, err := s.embedder.Generate(ctx, []string{text})
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrEncodingFailed, err),
			component, operation, "generate embedding")
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: empty embedding response", errors.ErrEncodingFailed),
			component, operation, "generate embedding")
	}
	return vectors[0], nil
}

// Put stores a record, overwriting any previous revision for docID. The
// write restarts the record's expiry clock. Idempotent full replacement.
func (s *Store) Put(ctx context.Context, docID, ownerID, text string, raw json.RawMessage) (*Record, error) {
	if err := validateOwner(component, "Put", ownerID); err != nil {
		return nil, err
	}
	if err := validateDocID(component, "Put", docID); err != nil {
		return nil, err
	}

	vector, err := s.encode(ctx, "Put", text)
	if err != nil {
		s.metrics.recordOp("put", "error")
		return nil, err
	}

	rec := &Record{
		DocID:     docID,
		OwnerID:   ownerID,
		Text:      text,
		Raw:       raw,
		Vector:    vector,
		UpdatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		s.metrics.recordOp("put", "error")
		return nil, errors.WrapInvalid(err, component, "Put", "marshal record")
	}

	if _, err := s.kv.Put(ctx, docID, data); err != nil {
		s.metrics.recordOp("put", "error")
		return nil, errors.WrapTransient(err, component, "Put", "write record")
	}

	s.index.set(docID, ownerID, vector)
	s.metrics.setIndexSize(s.index.size())
	s.metrics.recordOp("put", "ok")

	s.logger.Debug("stored record", "doc_id", docID, "dimensions", len(vector))
	return rec, nil
}

// getOwned reads and decodes the record for docID if it exists and belongs
// to ownerID. Missing and owner-mismatched records are both (nil, nil):
// callers cannot distinguish them, by contract.
func (s *Store) getOwned(ctx context.Context, operation, docID, ownerID string) (*Record, error) {
	entry, err := s.kv.Get(ctx, docID)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, component, operation, "read record")
	}

	var rec Record
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, errors.WrapTransient(err, component, operation, "decode record")
	}

	if rec.OwnerID != ownerID {
		return nil, nil
	}
	return &rec, nil
}

// Get returns the owned record for docID, or (nil, nil) when it is absent
// or belongs to someone else.
func (s *Store) Get(ctx context.Context, docID, ownerID string) (*Record, error) {
	if err := validateOwner(component, "Get", ownerID); err != nil {
		return nil, err
	}
	if err := validateDocID(component, "Get", docID); err != nil {
		return nil, err
	}
	return s.getOwned(ctx, "Get", docID, ownerID)
}

// Update re-encodes and overwrites an existing owned record, restarting its
// expiry. Returns false without creating anything when the record is absent
// or owned by someone else.
func (s *Store) Update(ctx context.Context, docID, ownerID, text string, raw json.RawMessage) (bool, error) {
	if err := validateOwner(component, "Update", ownerID); err != nil {
		return false, err
	}
	if err := validateDocID(component, "Update", docID); err != nil {
		return false, err
	}

	vector, err := s.encode(ctx, "Update", text)
	if err != nil {
		s.metrics.recordOp("update", "error")
		return false, err
	}

	// CAS write so the owner check and the rewrite are atomic against
	// concurrent deletes or updates of the same key.
	var rec *Record
	err = s.kv.UpdateWithRetry(ctx, docID, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, errUpdateMiss
		}

		var stored Record
		if err := json.Unmarshal(current, &stored); err != nil {
			return nil, fmt.Errorf("decode stored record: %w", err)
		}
		if stored.OwnerID != ownerID {
			// Indistinguishable from a missing record
			return nil, errUpdateMiss
		}

		// Owner carried over from the stored record, never from the caller
		rec = &Record{
			DocID:     docID,
			OwnerID:   stored.OwnerID,
			Text:      text,
			Raw:       raw,
			Vector:    vector,
			UpdatedAt: time.Now().UTC(),
		}
		return json.Marshal(rec)
	})
	if err != nil {
		if stderrors.Is(err, errUpdateMiss) {
			s.metrics.recordOp("update", "miss")
			return false, nil
		}
		s.metrics.recordOp("update", "error")
		return false, errors.WrapTransient(err, component, "Update", "write record")
	}

	s.index.set(docID, rec.OwnerID, vector)
	s.metrics.recordOp("update", "ok")
	return true, nil
}

// Delete removes an owned record. Returns false when the record is absent
// or owned by someone else; nothing is removed in either case.
func (s *Store) Delete(ctx context.Context, docID, ownerID string) (bool, error) {
	if err := validateOwner(component, "Delete", ownerID); err != nil {
		return false, err
	}
	if err := validateDocID(component, "Delete", docID); err != nil {
		return false, err
	}

	existing, err := s.getOwned(ctx, "Delete", docID, ownerID)
	if err != nil {
		s.metrics.recordOp("delete", "error")
		return false, err
	}
	if existing == nil {
		s.metrics.recordOp("delete", "miss")
		return false, nil
	}

	if err := s.kv.Delete(ctx, docID); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			// Expired between check and delete
			s.index.delete(docID)
			s.metrics.recordOp("delete", "miss")
			return false, nil
		}
		s.metrics.recordOp("delete", "error")
		return false, errors.WrapTransient(err, component, "Delete", "delete record")
	}

	s.index.delete(docID)
	s.metrics.setIndexSize(s.index.size())
	s.metrics.recordOp("delete", "ok")
	return true, nil
}

// DeleteGroup removes every record in the group that ownerID actually owns,
// returning the number removed. Candidate doc ids come from the content
// resolver; each one is still ownership-checked against the stored record
// before removal.
func (s *Store) DeleteGroup(ctx context.Context, groupID, ownerID string) (int, error) {
	if err := validateOwner(component, "DeleteGroup", ownerID); err != nil {
		return 0, err
	}
	if groupID == "" {
		return 0, errors.WrapInvalid(errors.ErrEmptyKey, component, "DeleteGroup", "group id is empty")
	}
	if s.resolver == nil {
		return 0, errors.WrapInvalid(errors.ErrMissingConfig, component, "DeleteGroup", "no content resolver configured")
	}

	docIDs, err := s.resolver.ResolveGroup(ctx, groupID, ownerID)
	if err != nil {
		s.metrics.recordOp("delete_group", "error")
		return 0, errors.WrapTransient(err, component, "DeleteGroup", "resolve group members")
	}

	removed := 0
	for _, docID := range docIDs {
		ok, err := s.Delete(ctx, docID, ownerID)
		if err != nil {
			s.logger.Warn("group delete skipped record", "doc_id", docID, "group_id", groupID, "error", err)
			continue
		}
		if ok {
			removed++
		}
	}

	s.metrics.recordOp("delete_group", "ok")
	s.logger.Debug("group delete finished", "group_id", groupID, "candidates", len(docIDs), "removed", removed)
	return removed, nil
}

// Search returns up to topK matches for the owner, ordered by descending
// similarity. The index is shared across owners, so the scan over-fetches
// topK times the configured multiplier before filtering by owner; when
// fewer owned matches survive, the partial result is returned as-is, never
// padded with another scan.
func (s *Store) Search(ctx context.Context, query, ownerID string, topK int) ([]Match, error) {
	start := time.Now()

	if err := validateOwner(component, "Search", ownerID); err != nil {
		return nil, err
	}
	if query == "" {
		return nil, errors.WrapInvalid(errors.ErrEmptyKey, component, "Search", "query is empty")
	}
	if topK < 1 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, component, "Search",
			fmt.Sprintf("top_k must be at least 1, got %d", topK))
	}

	queryVector, err := s.encode(ctx, "Search", query)
	if err != nil {
		s.metrics.recordOp("search", "error")
		return nil, err
	}

	if len(queryVector) != s.embedder.Dimensions() && s.embedder.Dimensions() > 0 {
		s.metrics.recordOp("search", "error")
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: query vector has %d dimensions, index expects %d",
				errors.ErrSearchFailed, len(queryVector), s.embedder.Dimensions()),
			component, "Search", "dimension mismatch")
	}

	candidates := s.index.scan(queryVector, topK*s.cfg.OverfetchMultiplier)

	matches := make([]Match, 0, topK)
	for _, hit := range candidates {
		if hit.ownerID != ownerID {
			continue
		}
		matches = append(matches, Match{DocID: hit.docID, Score: hit.score})
		if len(matches) == topK {
			break
		}
	}

	if len(matches) < topK {
		s.metrics.recordPartial(s.cfg.OverfetchMultiplier)
	}

	s.metrics.recordOp("search", "ok")
	s.metrics.observeSearch(time.Since(start).Seconds())

	s.logger.Debug("search finished",
		"owner_id", ownerID,
		"top_k", topK,
		"candidates", len(candidates),
		"matches", len(matches),
		"elapsed", time.Since(start))

	return matches, nil
}

// IndexSize reports the number of documents currently indexed
func (s *Store) IndexSize() int {
	return s.index.size()
}
