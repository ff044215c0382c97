// Package embedding provides vector embedding generation and caching for
// semantic recall.
//
// Embedders turn note text into fixed-dimension vectors used by the vector
// store for similarity search. The primary implementation calls an
// OpenAI-compatible HTTP service; a lexical BM25 implementation serves as a
// dependency-free fallback and as a deterministic embedder for tests.
package embedding

import "context"

// Embedder generates vector embeddings for text.
//
// Implementations can use different providers (HTTP APIs, BM25, etc.) while
// maintaining a consistent interface. All providers support batch operations
// natively, following OpenAI API patterns.
type Embedder interface {
	// Generate creates embeddings for the given texts.
	//
	// Batch operations are natural for all providers; for single text, pass
	// a slice with one element. Returns one embedding vector per input, in
	// input order.
	Generate(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings produced by this
	// embedder.
	Dimensions() int

	// Model returns the model identifier used by this embedder.
	Model() string

	// Close releases any resources held by the embedder.
	Close() error
}

// Cache provides content-addressed caching for embeddings.
//
// Implementations should use a hash of the text content as the key to enable
// deduplication and fast lookups.
type Cache interface {
	// Get retrieves a cached embedding for the given content hash.
	// Returns an error if the embedding is not found in the cache.
	Get(ctx context.Context, contentHash string) ([]float32, error)

	// Put stores an embedding in the cache with the given content hash.
	Put(ctx context.Context, contentHash string, embedding []float32) error
}
