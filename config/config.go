// Package config defines application configuration for the semantic recall
// service.
//
// Configuration is loaded from a JSON file, then overridden by environment
// variables for deployment-specific values (endpoints, credentials). Every
// section gets defaults applied before validation, so a minimal file with
// just the NATS URL is a working configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/c360/semrecall/errors"
)

// Config represents the complete application configuration
type Config struct {
	NATS         NATSConfig         `json:"nats"`
	Embedding    EmbeddingConfig    `json:"embedding"`
	Generation   GenerationConfig   `json:"generation"`
	VectorStore  VectorStoreConfig  `json:"vector_store"`
	ContentCache ContentCacheConfig `json:"content_cache"`
	Pipeline     PipelineConfig     `json:"pipeline"`
	Metrics      MetricsConfig      `json:"metrics"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URL              string `json:"url"`
	Name             string `json:"name,omitempty"`
	Username         string `json:"username,omitempty"`
	Password         string `json:"password,omitempty"`
	Token            string `json:"token,omitempty"`
	MaxReconnects    int    `json:"max_reconnects,omitempty"`
	ReconnectWaitSec int    `json:"reconnect_wait_seconds,omitempty"`
	TimeoutSec       int    `json:"timeout_seconds,omitempty"`
}

// EmbeddingConfig defines the embedding encoder settings
type EmbeddingConfig struct {
	BaseURL           string  `json:"base_url"`
	Model             string  `json:"model"`
	APIKey            string  `json:"api_key,omitempty"`
	Dimensions        int     `json:"dimensions,omitempty"`
	TimeoutSec        int     `json:"timeout_seconds,omitempty"`
	BatchSize         int     `json:"batch_size,omitempty"`
	MaxChars          int     `json:"max_chars,omitempty"`
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	CacheBucket       string  `json:"cache_bucket,omitempty"`
}

// GenerationConfig defines the streaming LLM settings
type GenerationConfig struct {
	BaseURL     string  `json:"base_url"`
	Model       string  `json:"model"`
	APIKey      string  `json:"api_key,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	TimeoutSec  int     `json:"timeout_seconds,omitempty"`
}

// VectorStoreConfig defines vector record storage and search behavior
type VectorStoreConfig struct {
	Bucket              string `json:"bucket,omitempty"`
	TTLSeconds          int    `json:"ttl_seconds,omitempty"`
	OverfetchMultiplier int    `json:"overfetch_multiplier,omitempty"`

	// Index tuning knobs accepted for compatibility with HNSW-style
	// deployments. The in-memory index scans exhaustively and ignores them.
	IndexM              int `json:"index_m,omitempty"`
	IndexEfConstruction int `json:"index_ef_construction,omitempty"`
	IndexEfRuntime      int `json:"index_ef_runtime,omitempty"`
}

// ContentCacheConfig defines the content cache bucket behavior
type ContentCacheConfig struct {
	Bucket     string `json:"bucket,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// PipelineConfig defines retrieval and generation orchestration settings
type PipelineConfig struct {
	TopK                int     `json:"top_k,omitempty"`
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`
}

// MetricsConfig defines the metrics HTTP server settings
type MetricsConfig struct {
	Port int    `json:"port,omitempty"`
	Path string `json:"path,omitempty"`
}

// Load reads configuration from a JSON file, applies environment overrides
// and defaults, and validates the result. An empty path skips the file and
// builds configuration from environment and defaults alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "read config file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse config file")
		}
	}

	cfg.applyEnvOverrides()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides overrides deployment-specific values from environment
// variables, matching container conventions
func (c *Config) applyEnvOverrides() {
	setString(&c.NATS.URL, "SEMRECALL_NATS_URL")
	setString(&c.NATS.Username, "SEMRECALL_NATS_USERNAME")
	setString(&c.NATS.Password, "SEMRECALL_NATS_PASSWORD")
	setString(&c.NATS.Token, "SEMRECALL_NATS_TOKEN")

	setString(&c.Embedding.BaseURL, "SEMRECALL_EMBEDDING_BASE_URL")
	setString(&c.Embedding.Model, "SEMRECALL_EMBEDDING_MODEL")
	setString(&c.Embedding.APIKey, "SEMRECALL_EMBEDDING_API_KEY")
	setInt(&c.Embedding.Dimensions, "SEMRECALL_EMBEDDING_DIMENSIONS")

	setString(&c.Generation.BaseURL, "SEMRECALL_GENERATION_BASE_URL")
	setString(&c.Generation.Model, "SEMRECALL_GENERATION_MODEL")
	setString(&c.Generation.APIKey, "SEMRECALL_GENERATION_API_KEY")

	setInt(&c.VectorStore.TTLSeconds, "SEMRECALL_VECTOR_TTL_SECONDS")
	setInt(&c.ContentCache.TTLSeconds, "SEMRECALL_CACHE_TTL_SECONDS")
	setInt(&c.Metrics.Port, "SEMRECALL_METRICS_PORT")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// ApplyDefaults fills zero values with working defaults
func (c *Config) ApplyDefaults() {
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.Name == "" {
		c.NATS.Name = "semrecall"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectWaitSec == 0 {
		c.NATS.ReconnectWaitSec = 2
	}
	if c.NATS.TimeoutSec == 0 {
		c.NATS.TimeoutSec = 5
	}

	if c.Embedding.Model == "" {
		c.Embedding.Model = "bge-m3"
	}
	if c.Embedding.Dimensions == 0 {
		c.Embedding.Dimensions = 1024
	}
	if c.Embedding.TimeoutSec == 0 {
		c.Embedding.TimeoutSec = 30
	}
	if c.Embedding.BatchSize == 0 {
		c.Embedding.BatchSize = 8
	}
	if c.Embedding.MaxChars == 0 {
		c.Embedding.MaxChars = 8192
	}
	if c.Embedding.CacheBucket == "" {
		c.Embedding.CacheBucket = "EMBEDDING_CACHE"
	}

	if c.Generation.Model == "" {
		c.Generation.Model = "deepseek-chat"
	}
	if c.Generation.Temperature == 0 {
		c.Generation.Temperature = 0.3
	}
	if c.Generation.TimeoutSec == 0 {
		c.Generation.TimeoutSec = 120
	}

	if c.VectorStore.Bucket == "" {
		c.VectorStore.Bucket = "VECTOR_INDEX"
	}
	if c.VectorStore.TTLSeconds == 0 {
		c.VectorStore.TTLSeconds = 3 * 24 * 3600
	}
	if c.VectorStore.OverfetchMultiplier == 0 {
		c.VectorStore.OverfetchMultiplier = 3
	}
	if c.VectorStore.IndexM == 0 {
		c.VectorStore.IndexM = 16
	}
	if c.VectorStore.IndexEfConstruction == 0 {
		c.VectorStore.IndexEfConstruction = 200
	}
	if c.VectorStore.IndexEfRuntime == 0 {
		c.VectorStore.IndexEfRuntime = 10
	}

	if c.ContentCache.Bucket == "" {
		c.ContentCache.Bucket = "CONTENT_CACHE"
	}
	if c.ContentCache.TTLSeconds == 0 {
		c.ContentCache.TTLSeconds = 3600
	}

	if c.Pipeline.TopK == 0 {
		c.Pipeline.TopK = 5
	}
	if c.Pipeline.SimilarityThreshold == 0 {
		c.Pipeline.SimilarityThreshold = 0.5
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "nats.url is required")
	}
	if c.Embedding.BaseURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "embedding.base_url is required")
	}
	if c.Embedding.Dimensions < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions))
	}
	if c.Generation.BaseURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "generation.base_url is required")
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("generation.temperature must be in [0,2], got %f", c.Generation.Temperature))
	}
	if c.VectorStore.TTLSeconds < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"vector_store.ttl_seconds must be positive")
	}
	if c.VectorStore.OverfetchMultiplier < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"vector_store.overfetch_multiplier must be at least 1")
	}
	if c.ContentCache.TTLSeconds < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"content_cache.ttl_seconds must be positive")
	}
	if c.Pipeline.TopK < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"pipeline.top_k must be at least 1")
	}
	if c.Pipeline.SimilarityThreshold < 0 || c.Pipeline.SimilarityThreshold > 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"pipeline.similarity_threshold must be in [0,1]")
	}
	return nil
}

// VectorTTL returns the vector record expiry as a duration
func (c *VectorStoreConfig) VectorTTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// CacheTTL returns the content cache expiry as a duration
func (c *ContentCacheConfig) CacheTTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}
