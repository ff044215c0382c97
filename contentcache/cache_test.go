package contentcache_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semrecall/contentcache"
	"github.com/c360/semrecall/testutil"
)

func newTestCache() (*contentcache.Cache, *testutil.FakeKeyValue) {
	kv := testutil.NewFakeKeyValue("CONTENT_CACHE")
	return contentcache.New(kv, nil), kv
}

func sampleDocs() []json.RawMessage {
	return []json.RawMessage{
		json.RawMessage(`{"doc_id":"d1","content":"first"}`),
		json.RawMessage(`{"doc_id":"d2","content":"second"}`),
	}
}

func TestCache_SetGetRoundtrip(t *testing.T) {
	cache, _ := newTestCache()
	ctx := context.Background()

	cache.Set(ctx, "owner-a", "documents", sampleDocs())

	docs, ok := cache.Get(ctx, "owner-a", "documents")
	require.True(t, ok)
	require.Len(t, docs, 2)
	assert.JSONEq(t, `{"doc_id":"d1","content":"first"}`, string(docs[0]))
}

func TestCache_MissWhenEmpty(t *testing.T) {
	cache, _ := newTestCache()

	docs, ok := cache.Get(context.Background(), "owner-a", "documents")
	assert.False(t, ok)
	assert.Nil(t, docs)
}

func TestCache_OwnerScoping(t *testing.T) {
	cache, _ := newTestCache()
	ctx := context.Background()

	cache.Set(ctx, "owner-a", "documents", sampleDocs())

	_, ok := cache.Get(ctx, "owner-b", "documents")
	assert.False(t, ok)
}

func TestCache_KeyFlattening(t *testing.T) {
	cache, _ := newTestCache()
	ctx := context.Background()

	// A dotted owner id must not be able to address another owner's entry
	cache.Set(ctx, "owner.a", "documents", sampleDocs())

	_, ok := cache.Get(ctx, "owner", "a.documents")
	assert.False(t, ok)

	docs, ok := cache.Get(ctx, "owner.a", "documents")
	assert.True(t, ok)
	assert.Len(t, docs, 2)
}

func TestCache_Invalidate(t *testing.T) {
	cache, _ := newTestCache()
	ctx := context.Background()

	cache.Set(ctx, "owner-a", "documents", sampleDocs())

	assert.True(t, cache.Invalidate(ctx, "owner-a", "documents"))

	_, ok := cache.Get(ctx, "owner-a", "documents")
	assert.False(t, ok)

	// Nothing left to remove
	assert.False(t, cache.Invalidate(ctx, "owner-a", "documents"))
}

func TestCache_ReadFailureIsMiss(t *testing.T) {
	cache, kv := newTestCache()
	ctx := context.Background()

	cache.Set(ctx, "owner-a", "documents", sampleDocs())

	kv.FailNext = errors.New("bucket unavailable")
	_, ok := cache.Get(ctx, "owner-a", "documents")
	assert.False(t, ok)

	// Recovered backend serves the entry again
	docs, ok := cache.Get(ctx, "owner-a", "documents")
	assert.True(t, ok)
	assert.Len(t, docs, 2)
}

func TestCache_WriteFailureIsSwallowed(t *testing.T) {
	cache, kv := newTestCache()
	ctx := context.Background()

	kv.FailNext = errors.New("bucket unavailable")
	cache.Set(ctx, "owner-a", "documents", sampleDocs())

	_, ok := cache.Get(ctx, "owner-a", "documents")
	assert.False(t, ok)
}

func TestCache_CorruptEntryIsMiss(t *testing.T) {
	cache, kv := newTestCache()
	ctx := context.Background()

	_, err := kv.Put(ctx, "owner-a.documents", []byte("not json"))
	require.NoError(t, err)

	_, ok := cache.Get(ctx, "owner-a", "documents")
	assert.False(t, ok)
}

func TestCache_EmptyIdentifiers(t *testing.T) {
	cache, _ := newTestCache()
	ctx := context.Background()

	_, ok := cache.Get(ctx, "", "documents")
	assert.False(t, ok)
	_, ok = cache.Get(ctx, "owner-a", "")
	assert.False(t, ok)
	assert.False(t, cache.Invalidate(ctx, "", "documents"))
}
