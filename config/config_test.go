package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semrecall/errors"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_MinimalFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"nats": {"url": "nats://nats:4222"},
		"embedding": {"base_url": "http://tei:8082/v1"},
		"generation": {"base_url": "https://api.deepseek.com/v1"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)

	// Defaults filled in
	assert.Equal(t, "bge-m3", cfg.Embedding.Model)
	assert.Equal(t, 1024, cfg.Embedding.Dimensions)
	assert.Equal(t, 8, cfg.Embedding.BatchSize)
	assert.Equal(t, "deepseek-chat", cfg.Generation.Model)
	assert.InDelta(t, 0.3, cfg.Generation.Temperature, 1e-6)
	assert.Equal(t, "VECTOR_INDEX", cfg.VectorStore.Bucket)
	assert.Equal(t, 3*24*3600, cfg.VectorStore.TTLSeconds)
	assert.Equal(t, 3, cfg.VectorStore.OverfetchMultiplier)
	assert.Equal(t, "CONTENT_CACHE", cfg.ContentCache.Bucket)
	assert.Equal(t, 3600, cfg.ContentCache.TTLSeconds)
	assert.Equal(t, 5, cfg.Pipeline.TopK)
	assert.InDelta(t, 0.5, cfg.Pipeline.SimilarityThreshold, 1e-9)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.json")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := writeConfigFile(t, `{not json`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfigFile(t, `{
		"nats": {"url": "nats://file:4222"},
		"embedding": {"base_url": "http://file:8082/v1"},
		"generation": {"base_url": "http://file:9000/v1"}
	}`)

	t.Setenv("SEMRECALL_NATS_URL", "nats://env:4222")
	t.Setenv("SEMRECALL_EMBEDDING_BASE_URL", "http://env:8082/v1")
	t.Setenv("SEMRECALL_VECTOR_TTL_SECONDS", "60")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, "http://env:8082/v1", cfg.Embedding.BaseURL)
	assert.Equal(t, 60, cfg.VectorStore.TTLSeconds)
	assert.Equal(t, time.Minute, cfg.VectorStore.VectorTTL())
}

func TestLoad_NoFileUsesEnv(t *testing.T) {
	t.Setenv("SEMRECALL_NATS_URL", "nats://env-only:4222")
	t.Setenv("SEMRECALL_EMBEDDING_BASE_URL", "http://env-only:8082/v1")
	t.Setenv("SEMRECALL_GENERATION_BASE_URL", "http://env-only:9000/v1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats://env-only:4222", cfg.NATS.URL)
}

func TestValidate_Failures(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		cfg.Embedding.BaseURL = "http://tei:8082/v1"
		cfg.Generation.BaseURL = "http://llm:9000/v1"
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing embedding base url", func(c *Config) { c.Embedding.BaseURL = "" }},
		{"missing generation base url", func(c *Config) { c.Generation.BaseURL = "" }},
		{"negative dimensions", func(c *Config) { c.Embedding.Dimensions = -1 }},
		{"temperature out of range", func(c *Config) { c.Generation.Temperature = 3.0 }},
		{"zero overfetch", func(c *Config) { c.VectorStore.OverfetchMultiplier = -1 }},
		{"negative ttl", func(c *Config) { c.VectorStore.TTLSeconds = -5 }},
		{"zero top_k", func(c *Config) { c.Pipeline.TopK = -1 }},
		{"threshold out of range", func(c *Config) { c.Pipeline.SimilarityThreshold = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestCacheTTL(t *testing.T) {
	cfg := ContentCacheConfig{TTLSeconds: 3600}
	assert.Equal(t, time.Hour, cfg.CacheTTL())
}
