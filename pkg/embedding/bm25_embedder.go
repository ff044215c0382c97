package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"
)

// BM25Embedder implements pure Go lexical embeddings using BM25 scoring.
//
// It serves as a fallback when the neural embedding service is unavailable
// and as a deterministic embedder in tests. Vectors are built by tokenizing
// the text, feature-hashing terms into a fixed number of dimensions,
// applying BM25 term weighting, and L2 normalizing so the result works with
// cosine similarity.
//
// This is a lexical approach: it matches on shared terms, not meaning, but
// gives reasonable results for exact term overlap.
type BM25Embedder struct {
	dimensions int
	k1         float64 // Term frequency saturation (typically 1.2-2.0)
	b          float64 // Document length normalization (typically 0.75)

	// Corpus statistics, updated incrementally per document
	mu             sync.RWMutex
	docCount       int
	avgDocLength   float64
	termDocCount   map[string]int
	totalDocLength int
}

// BM25Config configures the BM25 embedder.
type BM25Config struct {
	// Dimensions is the output embedding dimension (default: 1024, matching
	// the neural model so stores accept either embedder's output)
	Dimensions int

	// K1 controls term frequency saturation (default: 1.5)
	K1 float64

	// B controls length normalization (default: 0.75)
	B float64
}

// NewBM25Embedder creates a new BM25-based embedder.
func NewBM25Embedder(cfg BM25Config) *BM25Embedder {
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1024
	}
	if cfg.K1 == 0 {
		cfg.K1 = 1.5
	}
	if cfg.B == 0 {
		cfg.B = 0.75
	}

	return &BM25Embedder{
		dimensions:   cfg.Dimensions,
		k1:           cfg.K1,
		b:            cfg.B,
		termDocCount: make(map[string]int),
	}
}

// Generate creates BM25-based embeddings for the given texts.
//
// Internal corpus statistics are updated incrementally, so the embedder
// learns vocabulary and IDF weights from every text it processes.
func (b *BM25Embedder) Generate(ctx context.Context, texts []string) ([][]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	embeddings := make([][]float32, len(texts))

	type docInfo struct {
		tokens   []string
		termFreq map[string]int
	}
	docs := make([]docInfo, len(texts))

	for i, text := range texts {
		if i%100 == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}

		tokens := b.tokenize(text)
		docs[i] = docInfo{
			tokens:   tokens,
			termFreq: termFrequencies(tokens),
		}
	}

	for i, doc := range docs {
		if len(doc.tokens) == 0 {
			embeddings[i] = make([]float32, b.dimensions)
			continue
		}

		embeddings[i] = b.computeBM25Vector(doc.termFreq, len(doc.tokens))
		b.updateStats(doc.tokens)
	}

	return embeddings, nil
}

// Dimensions returns the dimensionality of embeddings.
func (b *BM25Embedder) Dimensions() int {
	return b.dimensions
}

// Model returns the model identifier.
func (b *BM25Embedder) Model() string {
	return fmt.Sprintf("bm25-go-k%.1f-b%.2f", b.k1, b.b)
}

// Close releases resources (no-op for BM25).
func (b *BM25Embedder) Close() error {
	return nil
}

// tokenize lowercases text and splits on non-alphanumeric runes, dropping
// tokens shorter than two characters
func (b *BM25Embedder) tokenize(text string) []string {
	text = strings.ToLower(text)

	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() >= 2 {
			tokens = append(tokens, current.String())
		}
		current.Reset()
	}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			_, _ = current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()

	return tokens
}

func termFrequencies(tokens []string) map[string]int {
	termFreq := make(map[string]int)
	for _, token := range tokens {
		termFreq[token]++
	}
	return termFreq
}

// updateStats folds one document into the corpus statistics
func (b *BM25Embedder) updateStats(tokens []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.docCount++
	b.totalDocLength += len(tokens)
	b.avgDocLength = float64(b.totalDocLength) / float64(b.docCount)

	// Count each term once per document
	seen := make(map[string]bool)
	for _, token := range tokens {
		if !seen[token] {
			b.termDocCount[token]++
			seen[token] = true
		}
	}
}

// computeBM25Vector hashes each term to a dimension and accumulates its
// BM25 score there, then L2 normalizes the result
func (b *BM25Embedder) computeBM25Vector(termFreq map[string]int, docLength int) []float32 {
	vector := make([]float32, b.dimensions)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for term, tf := range termFreq {
		dim := b.hashTerm(term)

		var idf float64
		if b.docCount == 0 {
			idf = 1.0
		} else {
			df := b.termDocCount[term]
			if df == 0 {
				df = 1 // Smoothing for unseen terms
			}
			// Robertson-Sparck Jones IDF
			idf = math.Log((float64(b.docCount-df) + 0.5) / (float64(df) + 0.5))
			if idf < 0.01 {
				idf = 0.01
			}
		}

		// BM25(t,d) = IDF(t) * (tf * (k1 + 1)) / (tf + k1 * (1 - b + b * (|d| / avgdl)))
		numerator := float64(tf) * (b.k1 + 1)

		avgDocLen := b.avgDocLength
		if avgDocLen == 0 {
			avgDocLen = float64(docLength)
		}

		denominator := float64(tf) + b.k1*(1-b.b+b.b*(float64(docLength)/avgDocLen))
		vector[dim] += float32(idf * (numerator / denominator))
	}

	l2Normalize(vector)

	return vector
}

// hashTerm maps a term to a dimension using FNV-1a
func (b *BM25Embedder) hashTerm(term string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(term))
	return int(h.Sum32() % uint32(b.dimensions))
}

func l2Normalize(vector []float32) {
	var sumSquares float64
	for _, v := range vector {
		sumSquares += float64(v * v)
	}

	if sumSquares == 0 {
		return
	}

	norm := math.Sqrt(sumSquares)
	for i := range vector {
		vector[i] /= float32(norm)
	}
}
