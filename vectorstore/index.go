package vectorstore

import (
	"context"
	"sort"
	"time"

	"github.com/c360/semrecall/pkg/cache"
	"github.com/c360/semrecall/pkg/embedding"
)

// indexEntry is what search needs per document: the owner for filtering and
// the vector for scoring. Text and raw payload stay in the bucket.
type indexEntry struct {
	ownerID string
	vector  []float32
}

// scoredHit is a candidate produced by the index scan, before owner
// filtering
type scoredHit struct {
	docID   string
	ownerID string
	score   float64
}

// memoryIndex is the in-memory search structure over all owners' vectors.
// Entries carry the same TTL as the bucket and restart their expiry on set,
// so the index tracks bucket expiry without observing it.
type memoryIndex struct {
	entries *cache.TTL[indexEntry]
}

func newMemoryIndex(ctx context.Context, ttl time.Duration) (*memoryIndex, error) {
	cleanup := ttl / 10
	if cleanup > time.Minute {
		cleanup = time.Minute
	}
	entries, err := cache.NewTTL[indexEntry](ctx, ttl, cleanup)
	if err != nil {
		return nil, err
	}
	return &memoryIndex{entries: entries}, nil
}

func (idx *memoryIndex) set(docID, ownerID string, vector []float32) {
	_, _ = idx.entries.Set(docID, indexEntry{ownerID: ownerID, vector: vector})
}

func (idx *memoryIndex) delete(docID string) {
	_, _ = idx.entries.Delete(docID)
}

func (idx *memoryIndex) size() int {
	return idx.entries.Size()
}

// scan scores every entry against the query vector and returns the top
// `limit` candidates across all owners, ordered by descending score.
// Equal scores fall back to key order so results are deterministic.
func (idx *memoryIndex) scan(queryVector []float32, limit int) []scoredHit {
	var hits []scoredHit

	idx.entries.Range(func(docID string, entry indexEntry) bool {
		score := similarityScore(queryVector, entry.vector)
		hits = append(hits, scoredHit{docID: docID, ownerID: entry.ownerID, score: score})
		return true
	})

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].docID < hits[j].docID
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (idx *memoryIndex) close() {
	_ = idx.entries.Close()
}

// similarityScore maps cosine distance onto [0,1]: 1 - distance/2, where
// distance = 1 - cos(θ) ranges over [0,2]. Identical vectors score 1,
// opposite vectors score 0.
func similarityScore(a, b []float32) float64 {
	return 1.0 - embedding.CosineDistance(a, b)/2.0
}
