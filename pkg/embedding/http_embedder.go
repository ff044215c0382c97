package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// HTTPEmbedder calls an external OpenAI-compatible embedding service.
//
// This implementation works with:
//   - Hugging Face TEI (Text Embeddings Inference) serving bge-m3
//   - LocalAI (self-hosted)
//   - OpenAI (cloud)
//   - Any OpenAI-compatible embedding API
//
// Requests are batched and rate limited so that bulk indexing does not
// overwhelm a locally hosted model server.
type HTTPEmbedder struct {
	client    *openai.Client
	model     string
	batchSize int
	maxChars  int
	limiter   *rate.Limiter
	cache     Cache
	logger    *slog.Logger

	// Set once at construction or by the first response when auto-detecting.
	// Atomic because concurrent Generate calls may race the detection.
	dimensions atomic.Int64
}

// HTTPConfig configures the HTTP embedder.
type HTTPConfig struct {
	// BaseURL is the base URL of the embedding service.
	// Examples:
	//   - "http://localhost:8082/v1" (TEI container)
	//   - "https://api.openai.com/v1" (OpenAI cloud)
	BaseURL string

	// Model is the embedding model to use, e.g. "bge-m3".
	Model string

	// Dimensions is the expected embedding width. Zero means detect from
	// the first response.
	Dimensions int

	// APIKey for authentication (optional for local services).
	APIKey string

	// Timeout for HTTP requests (default: 30s).
	Timeout time.Duration

	// BatchSize limits texts per API request (default: 8).
	BatchSize int

	// MaxChars truncates each text before embedding (default: 8192).
	// Model servers reject oversized inputs; truncation keeps bulk indexing
	// from failing on one long note.
	MaxChars int

	// RequestsPerSecond throttles API calls. Zero disables throttling.
	RequestsPerSecond float64

	// Cache for embedding results (optional but recommended).
	Cache Cache

	// Logger for error logging (optional, defaults to slog.Default()).
	Logger *slog.Logger
}

// NewHTTPEmbedder creates a new HTTP-based embedder.
func NewHTTPEmbedder(cfg HTTPConfig) (*HTTPEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base_url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 8
	}

	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = 8192
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "dummy-key" // Local services don't need a real key
	}

	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.BaseURL = cfg.BaseURL
	clientConfig.HTTPClient = &http.Client{
		Timeout: timeout,
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &HTTPEmbedder{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     cfg.Model,
		batchSize: batchSize,
		maxChars:  maxChars,
		limiter:   limiter,
		cache:     cfg.Cache,
		logger:    logger,
	}
	e.dimensions.Store(int64(cfg.Dimensions))
	return e, nil
}

// Generate creates embeddings by calling the external HTTP service.
//
// The cache is consulted first (if configured); only cache misses are sent
// to the API, in batches of at most BatchSize.
func (h *HTTPEmbedder) Generate(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	// Truncate before the cache check so cache keys match what is sent
	if h.maxChars > 0 {
		truncated := make([]string, len(texts))
		for i, text := range texts {
			truncated[i] = truncateRunes(text, h.maxChars)
		}
		texts = truncated
	}

	embeddings := make([][]float32, len(texts))
	uncachedIndexes := []int{}
	uncachedTexts := []string{}

	if h.cache != nil {
		for i, text := range texts {
			hash := ContentHash(text)
			if cached, err := h.cache.Get(ctx, hash); err == nil {
				embeddings[i] = cached
			} else {
				uncachedIndexes = append(uncachedIndexes, i)
				uncachedTexts = append(uncachedTexts, text)
			}
		}
	} else {
		uncachedIndexes = make([]int, len(texts))
		for i := range texts {
			uncachedIndexes[i] = i
		}
		uncachedTexts = texts
	}

	for start := 0; start < len(uncachedTexts); start += h.batchSize {
		end := start + h.batchSize
		if end > len(uncachedTexts) {
			end = len(uncachedTexts)
		}

		if err := h.generateBatch(ctx, uncachedTexts[start:end], uncachedIndexes[start:end], embeddings); err != nil {
			return nil, err
		}
	}

	return embeddings, nil
}

func (h *HTTPEmbedder) generateBatch(ctx context.Context, texts []string, indexes []int, out [][]float32) error {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("embedding rate limit wait: %w", err)
		}
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(h.model),
	}

	resp, err := h.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return fmt.Errorf("embedding API call failed: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return fmt.Errorf("API returned %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	for i, data := range resp.Data {
		out[indexes[i]] = data.Embedding

		// Detect dimensions from the first response
		if len(data.Embedding) > 0 {
			h.dimensions.CompareAndSwap(0, int64(len(data.Embedding)))
		}

		if h.cache != nil {
			hash := ContentHash(texts[i])
			if err := h.cache.Put(ctx, hash, data.Embedding); err != nil {
				// Cache is best-effort
				h.logger.Warn("embedding cache put failed", "hash", hash, "error", err)
			}
		}
	}

	return nil
}

// truncateRunes limits text to at most limit runes
func truncateRunes(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

// Dimensions returns the dimensionality of embeddings produced. Zero until
// auto-detection has seen a response.
func (h *HTTPEmbedder) Dimensions() int {
	return int(h.dimensions.Load())
}

// Model returns the model identifier.
func (h *HTTPEmbedder) Model() string {
	return h.model
}

// Close releases resources (no-op for HTTP client).
func (h *HTTPEmbedder) Close() error {
	return nil
}
