// Package contentcache is a best-effort, owner-scoped cache for resolved
// document collections. It sits in front of the expensive content resolution
// path; every operation degrades to a miss or a no-op on failure, so a broken
// cache slows the system down but never breaks it.
package contentcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/semrecall/natsclient"
)

// Cache stores serialized document collections in a TTL'd KV bucket,
// keyed by owner and collection so one owner's entries never shadow
// another's.
type Cache struct {
	kv     *natsclient.KVStore
	logger *slog.Logger
}

// New creates a cache over the given bucket. The bucket's MaxAge is the
// cache TTL; the cache itself never inspects entry age.
func New(bucket jetstream.KeyValue, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		kv:     natsclient.NewKVStore(bucket),
		logger: logger,
	}
}

// cacheKey joins owner and collection into a KV key. Dots separate KV key
// tokens, so embedded dots are flattened to keep the two namespaces from
// colliding.
func cacheKey(ownerID, collectionKey string) string {
	owner := strings.ReplaceAll(ownerID, ".", "_")
	collection := strings.ReplaceAll(collectionKey, ".", "_")
	return owner + "." + collection
}

// Get returns the cached collection for the owner, or (nil, false) on a
// miss. Read failures are logged and reported as misses.
func (c *Cache) Get(ctx context.Context, ownerID, collectionKey string) ([]json.RawMessage, bool) {
	if ownerID == "" || collectionKey == "" {
		return nil, false
	}

	entry, err := c.kv.Get(ctx, cacheKey(ownerID, collectionKey))
	if err != nil {
		if !natsclient.IsKVNotFoundError(err) {
			c.logger.Warn("content cache read failed",
				"owner_id", ownerID, "collection", collectionKey, "error", err)
		}
		return nil, false
	}

	var docs []json.RawMessage
	if err := json.Unmarshal(entry.Value, &docs); err != nil {
		c.logger.Warn("content cache entry undecodable, treating as miss",
			"owner_id", ownerID, "collection", collectionKey, "error", err)
		return nil, false
	}

	return docs, true
}

// Set stores the collection for the owner. Failures are logged and
// swallowed; the caller already has the documents and loses nothing.
func (c *Cache) Set(ctx context.Context, ownerID, collectionKey string, docs []json.RawMessage) {
	if ownerID == "" || collectionKey == "" {
		return
	}

	data, err := json.Marshal(docs)
	if err != nil {
		c.logger.Warn("content cache marshal failed",
			"owner_id", ownerID, "collection", collectionKey, "error", err)
		return
	}

	if _, err := c.kv.Put(ctx, cacheKey(ownerID, collectionKey), data); err != nil {
		c.logger.Warn("content cache write failed",
			"owner_id", ownerID, "collection", collectionKey, "error", err)
	}
}

// Invalidate drops the owner's cached collection, reporting whether an
// entry was actually removed. Failures are logged and reported as false.
func (c *Cache) Invalidate(ctx context.Context, ownerID, collectionKey string) bool {
	if ownerID == "" || collectionKey == "" {
		return false
	}

	key := cacheKey(ownerID, collectionKey)

	if _, err := c.kv.Get(ctx, key); err != nil {
		if !natsclient.IsKVNotFoundError(err) {
			c.logger.Warn("content cache invalidate read failed",
				"owner_id", ownerID, "collection", collectionKey, "error", err)
		}
		return false
	}

	if err := c.kv.Delete(ctx, key); err != nil {
		if !natsclient.IsKVNotFoundError(err) {
			c.logger.Warn("content cache invalidate failed",
				"owner_id", ownerID, "collection", collectionKey, "error", err)
		}
		return false
	}

	return true
}
