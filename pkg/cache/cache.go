// Package cache provides a generic, thread-safe in-process TTL cache.
//
// Entries expire a fixed duration after their last Set; a background goroutine
// sweeps expired entries between reads. Statistics are always collected.
package cache

import (
	"strings"

	"github.com/c360/semrecall/errors"
)

// EvictCallback is called when an entry is evicted from the cache,
// either by TTL expiry or explicit deletion during Clear.
type EvictCallback[V any] func(key string, value V)

// Option configures cache behavior using the functional options pattern.
type Option[V any] func(*options[V])

type options[V any] struct {
	evictCallback EvictCallback[V]
}

// WithEvictionCallback sets a callback invoked for evicted entries.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(o *options[V]) {
		o.evictCallback = callback
	}
}

func applyOptions[V any](opts ...Option[V]) *options[V] {
	o := &options[V]{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// validateKey rejects keys that cannot round-trip through the cache map
// and the KV layers sitting behind it.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrEmptyKey, "cache", "validateKey", "key validation")
	}
	if strings.ContainsAny(key, " \t\r\n") {
		return errors.WrapInvalid(errors.ErrInvalidKey, "cache", "validateKey", "key validation")
	}
	return nil
}
