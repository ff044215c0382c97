//go:build integration

package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semrecall/config"
	"github.com/c360/semrecall/natsclient"
	"github.com/c360/semrecall/pkg/embedding"
)

func TestStore_Integration_Lifecycle(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	bucket, err := tc.CreateKVBucketTTL(ctx, "VECTOR_INDEX", 1*time.Hour)
	require.NoError(t, err)
	embedder := embedding.NewBM25Embedder(embedding.BM25Config{Dimensions: 128})

	cfg := config.VectorStoreConfig{
		Bucket:              "VECTOR_INDEX",
		TTLSeconds:          3600,
		OverfetchMultiplier: 3,
	}

	store, err := NewStore(ctx, bucket, embedder, cfg)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Put(ctx, "doc-1", "owner-a", "jetstream persists the record", nil)
	require.NoError(t, err)
	_, err = store.Put(ctx, "doc-2", "owner-a", "a second unrelated entry about gardening", nil)
	require.NoError(t, err)

	matches, err := store.Search(ctx, "jetstream record persistence", "owner-a", 2)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "doc-1", matches[0].DocID)

	ok, err := store.Delete(ctx, "doc-1", "owner-a")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, "doc-1", "owner-a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_Integration_RestartWarmsFromBucket(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	bucket, err := tc.CreateKVBucketTTL(ctx, "VECTOR_INDEX", 1*time.Hour)
	require.NoError(t, err)
	embedder := embedding.NewBM25Embedder(embedding.BM25Config{Dimensions: 128})

	cfg := config.VectorStoreConfig{
		Bucket:              "VECTOR_INDEX",
		TTLSeconds:          3600,
		OverfetchMultiplier: 3,
	}

	first, err := NewStore(ctx, bucket, embedder, cfg)
	require.NoError(t, err)
	_, err = first.Put(ctx, "doc-1", "owner-a", "survives a process restart", nil)
	require.NoError(t, err)
	first.Close()

	second, err := NewStore(ctx, bucket, embedder, cfg)
	require.NoError(t, err)
	defer second.Close()

	assert.Eventually(t, func() bool {
		return second.IndexSize() == 1
	}, 5*time.Second, 50*time.Millisecond)

	matches, err := second.Search(ctx, "survives a process restart", "owner-a", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "doc-1", matches[0].DocID)
}
