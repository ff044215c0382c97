package cache

import (
	"context"
	"sync"
	"time"

	"github.com/c360/semrecall/errors"
)

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// TTL is a thread-safe cache whose entries expire a fixed duration after
// their last Set. Expiry restarting on Set is relied on by the vector index:
// a record update must push its eviction horizon forward.
type TTL[V any] struct {
	mu              sync.RWMutex
	ttl             time.Duration
	cleanupInterval time.Duration
	items           map[string]*entry[V]
	stats           *Statistics
	evictFn         EvictCallback[V]

	shutdown chan struct{}
	done     chan struct{}
}

// NewTTL creates a TTL cache. The background sweep goroutine stops when ctx
// is cancelled or Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, opts ...Option[V]) (*TTL[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL", "ttl must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	o := applyOptions(opts...)

	c := &TTL[V]{
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		items:           make(map[string]*entry[V]),
		stats:           NewStatistics(),
		evictFn:         o.evictCallback,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}

	go c.sweep(ctx)

	return c, nil
}

// Get retrieves a value by key, treating expired entries as absent.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		var zero V
		c.stats.Miss()
		return zero, false
	}

	if e.expired(time.Now()) {
		c.mu.Lock()
		// re-check under the write lock
		if cur, still := c.items[key]; still && cur.expired(time.Now()) {
			delete(c.items, key)
			if c.evictFn != nil {
				defer c.evictFn(key, cur.value)
			}
			c.stats.Eviction()
			c.stats.UpdateSize(int64(len(c.items)))
		}
		c.mu.Unlock()

		var zero V
		c.stats.Miss()
		return zero, false
	}

	c.stats.Hit()
	return e.value, true
}

// Set stores a value and restarts its expiry clock.
// Returns true if a new entry was created, false if an existing one was replaced.
func (c *TTL[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	expiresAt := time.Now().Add(c.ttl)

	c.mu.Lock()
	_, exists := c.items[key]
	c.items[key] = &entry[V]{key: key, value: value, expiresAt: expiresAt}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))

	return !exists, nil
}

// Delete removes an entry by key. Returns true if the key existed.
func (c *TTL[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	e, exists := c.items[key]
	if exists {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if exists {
		c.stats.Delete()
		c.stats.UpdateSize(int64(size))
		_ = e
	}

	return exists, nil
}

// Clear removes all entries.
func (c *TTL[V]) Clear() error {
	c.mu.Lock()
	if c.evictFn != nil {
		for _, e := range c.items {
			c.evictFn(e.key, e.value)
		}
	}
	c.items = make(map[string]*entry[V])
	c.mu.Unlock()

	c.stats.UpdateSize(0)
	return nil
}

// Size returns the current number of entries, including not-yet-swept expired ones.
func (c *TTL[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns all unexpired keys.
func (c *TTL[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	now := time.Now()
	for key, e := range c.items {
		if !e.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Range calls fn for every unexpired entry under a read lock. fn must not
// call back into the cache. Iteration stops when fn returns false.
func (c *TTL[V]) Range(fn func(key string, value V) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	for key, e := range c.items {
		if e.expired(now) {
			continue
		}
		if !fn(key, e.value) {
			return
		}
	}
}

// Stats returns cache statistics.
func (c *TTL[V]) Stats() *Statistics {
	return c.stats
}

// Close stops the background sweep goroutine.
func (c *TTL[V]) Close() error {
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}

	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return nil
}

func (c *TTL[V]) sweep(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *TTL[V]) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	var evicted []*entry[V]
	for key, e := range c.items {
		if e.expired(now) {
			delete(c.items, key)
			evicted = append(evicted, e)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	for _, e := range evicted {
		if c.evictFn != nil {
			c.evictFn(e.key, e.value)
		}
		c.stats.Eviction()
	}
	if len(evicted) > 0 {
		c.stats.UpdateSize(int64(size))
	}
}
