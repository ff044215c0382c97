package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semrecall/config"
	"github.com/c360/semrecall/content"
	"github.com/c360/semrecall/errors"
	"github.com/c360/semrecall/pkg/embedding"
	"github.com/c360/semrecall/testutil"
)

func testConfig() config.VectorStoreConfig {
	return config.VectorStoreConfig{
		Bucket:              "VECTOR_INDEX",
		TTLSeconds:          3600,
		OverfetchMultiplier: 3,
	}
}

func newTestStore(t *testing.T) (*Store, *testutil.FakeKeyValue, *testutil.FakeResolver) {
	t.Helper()

	kv := testutil.NewFakeKeyValue("VECTOR_INDEX")
	resolver := testutil.NewFakeResolver()
	embedder := embedding.NewBM25Embedder(embedding.BM25Config{Dimensions: 64})

	store, err := NewStore(context.Background(), kv, embedder, testConfig(),
		WithResolver(resolver))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	return store, kv, resolver
}

func TestStore_PutGetRoundtrip(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	raw := json.RawMessage(`{"source":"upload"}`)
	rec, err := store.Put(ctx, "doc-1", "owner-a", "the sky is blue today", raw)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", rec.DocID)
	assert.Equal(t, "owner-a", rec.OwnerID)
	assert.NotEmpty(t, rec.Vector)

	got, err := store.Get(ctx, "doc-1", "owner-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "the sky is blue today", got.Text)
	assert.JSONEq(t, string(raw), string(got.Raw))
}

func TestStore_GetMissingAndMismatch(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	got, err := store.Get(ctx, "no-such-doc", "owner-a")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = store.Put(ctx, "doc-1", "owner-a", "some text", nil)
	require.NoError(t, err)

	// Another owner's read is indistinguishable from a missing record
	got, err = store.Get(ctx, "doc-1", "owner-b")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_Validation(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "doc-1", "", "text", nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = store.Put(ctx, "", "owner-a", "text", nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = store.Put(ctx, "has space", "owner-a", "text", nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = store.Search(ctx, "", "owner-a", 5)
	assert.True(t, errors.IsInvalid(err))

	_, err = store.Search(ctx, "query", "owner-a", 0)
	assert.True(t, errors.IsInvalid(err))
}

func TestStore_UpdateMissingDoesNotCreate(t *testing.T) {
	store, kv, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.Update(ctx, "doc-1", "owner-a", "new text", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, kv.Len())
}

func TestStore_UpdateOwnerMismatch(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "doc-1", "owner-a", "original text", nil)
	require.NoError(t, err)

	ok, err := store.Update(ctx, "doc-1", "owner-b", "hijacked text", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "doc-1", "owner-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "original text", got.Text)
}

func TestStore_UpdateRetriesTransientFailure(t *testing.T) {
	store, kv, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "doc-1", "owner-a", "original text", nil)
	require.NoError(t, err)

	// One failed read inside the CAS loop is absorbed by the retry
	kv.FailNext = fmt.Errorf("temporary outage")

	ok, err := store.Update(ctx, "doc-1", "owner-a", "revised text", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := store.Get(ctx, "doc-1", "owner-a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "revised text", rec.Text)
}

func TestStore_UpdateReindexes(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "doc-1", "owner-a", "cooking pasta recipes", nil)
	require.NoError(t, err)
	_, err = store.Put(ctx, "doc-2", "owner-a", "gardening in spring", nil)
	require.NoError(t, err)

	ok, err := store.Update(ctx, "doc-2", "owner-a", "cooking pasta with garlic", nil)
	require.NoError(t, err)
	require.True(t, ok)

	matches, err := store.Search(ctx, "cooking pasta", "owner-a", 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	// Both documents now share query terms, so both should outrank chance;
	// the updated one must be scored against its new text, not the old one
	for _, m := range matches {
		assert.Greater(t, m.Score, 0.5)
	}
}

func TestStore_DeleteOwnerMismatch(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "doc-1", "owner-a", "keep me", nil)
	require.NoError(t, err)

	ok, err := store.Delete(ctx, "doc-1", "owner-b")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "doc-1", "owner-a")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestStore_Delete(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "doc-1", "owner-a", "to be removed", nil)
	require.NoError(t, err)

	ok, err := store.Delete(ctx, "doc-1", "owner-a")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, "doc-1", "owner-a")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Second delete reports nothing removed
	ok, err = store.Delete(ctx, "doc-1", "owner-a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_DeleteGroup(t *testing.T) {
	store, _, resolver := newTestStore(t)
	ctx := context.Background()

	for _, docID := range []string{"g1-a", "g1-b", "g1-c"} {
		_, err := store.Put(ctx, docID, "owner-a", "member "+docID, nil)
		require.NoError(t, err)
		resolver.Add(&content.Record{DocID: docID, OwnerID: "owner-a", GroupID: "group-1"})
	}

	// Same group id, different owner: must survive the group delete
	_, err := store.Put(ctx, "g1-x", "owner-b", "other owner member", nil)
	require.NoError(t, err)
	resolver.Add(&content.Record{DocID: "g1-x", OwnerID: "owner-b", GroupID: "group-1"})

	removed, err := store.DeleteGroup(ctx, "group-1", "owner-a")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	got, err := store.Get(ctx, "g1-x", "owner-b")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestStore_SearchOwnerIsolation(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	// Identical text under two owners: each search must only surface its own
	_, err := store.Put(ctx, "a-1", "owner-a", "the sky is blue", nil)
	require.NoError(t, err)
	_, err = store.Put(ctx, "b-1", "owner-b", "the sky is blue", nil)
	require.NoError(t, err)

	matches, err := store.Search(ctx, "what color is the sky", "owner-a", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a-1", matches[0].DocID)

	matches, err = store.Search(ctx, "what color is the sky", "owner-b", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "b-1", matches[0].DocID)
}

func TestStore_SearchPartialResults(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "only-doc", "owner-a", "a single lonely document", nil)
	require.NoError(t, err)

	matches, err := store.Search(ctx, "lonely document", "owner-a", 10)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestStore_SearchEmptyIndex(t *testing.T) {
	store, _, _ := newTestStore(t)

	matches, err := store.Search(context.Background(), "anything", "owner-a", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestStore_SearchScoreRange(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "doc-1", "owner-a", "quantum computing research papers", nil)
	require.NoError(t, err)

	matches, err := store.Search(ctx, "quantum computing research papers", "owner-a", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.GreaterOrEqual(t, matches[0].Score, 0.0)
	assert.LessOrEqual(t, matches[0].Score, 1.0)
	// Near-identical text should land near the top of the range
	assert.Greater(t, matches[0].Score, 0.9)
}

func TestStore_WarmIndexFromExistingRecords(t *testing.T) {
	kv := testutil.NewFakeKeyValue("VECTOR_INDEX")
	embedder := embedding.NewBM25Embedder(embedding.BM25Config{Dimensions: 64})
	ctx := context.Background()

	first, err := NewStore(ctx, kv, embedder, testConfig())
	require.NoError(t, err)
	_, err = first.Put(ctx, "doc-1", "owner-a", "persisted before restart", nil)
	require.NoError(t, err)
	first.Close()

	// A fresh store over the same bucket sees the record without re-ingest
	second, err := NewStore(ctx, kv, embedder, testConfig())
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, 1, second.IndexSize())

	matches, err := second.Search(ctx, "persisted before restart", "owner-a", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "doc-1", matches[0].DocID)
}

func TestStore_WatcherAppliesExternalWrites(t *testing.T) {
	store, kv, _ := newTestStore(t)
	ctx := context.Background()

	embedder := embedding.NewBM25Embedder(embedding.BM25Config{Dimensions: 64})
	vecs, err := embedder.Generate(ctx, []string{"written by another process"})
	require.NoError(t, err)

	rec := Record{
		DocID:     "ext-1",
		OwnerID:   "owner-a",
		Text:      "written by another process",
		Vector:    vecs[0],
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	_, err = kv.Put(ctx, "ext-1", data)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return store.IndexSize() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, kv.Delete(ctx, "ext-1"))

	assert.Eventually(t, func() bool {
		return store.IndexSize() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStore_DeleteGroupWithoutResolver(t *testing.T) {
	kv := testutil.NewFakeKeyValue("VECTOR_INDEX")
	embedder := embedding.NewBM25Embedder(embedding.BM25Config{Dimensions: 64})

	store, err := NewStore(context.Background(), kv, embedder, testConfig())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.DeleteGroup(context.Background(), "group-1", "owner-a")
	assert.True(t, errors.IsInvalid(err))
}

func TestSimilarityScore(t *testing.T) {
	a := []float32{1, 0, 0}

	assert.InDelta(t, 1.0, similarityScore(a, []float32{1, 0, 0}), 1e-6)
	assert.InDelta(t, 0.5, similarityScore(a, []float32{0, 1, 0}), 1e-6)
	assert.InDelta(t, 0.0, similarityScore(a, []float32{-1, 0, 0}), 1e-6)
}
