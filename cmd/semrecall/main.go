// Package main implements the entry point for the SemRecall service.
// SemRecall augments a per-user document store with semantic recall:
// embedding-backed indexing, owner-isolated similarity search, and a
// retrieve-then-generate answer pipeline over NATS JetStream storage.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/semrecall/config"
	"github.com/c360/semrecall/content"
	"github.com/c360/semrecall/contentcache"
	"github.com/c360/semrecall/metric"
	"github.com/c360/semrecall/natsclient"
	"github.com/c360/semrecall/pipeline"
	"github.com/c360/semrecall/pkg/embedding"
	"github.com/c360/semrecall/vectorstore"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semrecall"

	contentBucket = "DOC_CONTENT"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	metricsRegistry := metric.NewMetricsRegistry()

	natsClient, err := connectNATS(ctx, cfg, metricsRegistry)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
		defer cancel()
		_ = natsClient.Close(closeCtx)
	}()

	buckets, err := ensureBuckets(ctx, natsClient, cfg)
	if err != nil {
		return err
	}

	svc, err := buildService(ctx, cfg, buckets, metricsRegistry)
	if err != nil {
		return err
	}
	defer svc.store.Close()

	metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)

	return runWithSignalHandling(ctx, metricsServer, svc)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting SemRecall (semantic document recall)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, false, nil
}

// connectNATS builds the client, connects, and waits for readiness
func connectNATS(ctx context.Context, cfg *config.Config, registry *metric.MetricsRegistry) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(fmt.Sprintf("%s-%s", cfg.NATS.Name, uuid.NewString()[:8])),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(time.Duration(cfg.NATS.ReconnectWaitSec) * time.Second),
		natsclient.WithTimeout(time.Duration(cfg.NATS.TimeoutSec) * time.Second),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			v := 0.0
			if healthy {
				v = 1.0
			}
			registry.CoreMetrics().NATSConnected.Set(v)
		}),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	return client, nil
}

// serviceBuckets holds the KV buckets the service operates on
type serviceBuckets struct {
	vectors        jetstream.KeyValue
	contentRecords jetstream.KeyValue
	contentCache   jetstream.KeyValue
	embeddingCache jetstream.KeyValue
}

// ensureBuckets creates or adopts every bucket the service needs
func ensureBuckets(ctx context.Context, client *natsclient.Client, cfg *config.Config) (*serviceBuckets, error) {
	vectors, err := client.EnsureKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.VectorStore.Bucket,
		Description: "embedding records, one revision per document",
		TTL:         cfg.VectorStore.VectorTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.VectorStore.Bucket, err)
	}

	contentRecords, err := client.EnsureKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      contentBucket,
		Description: "primary document content records",
	})
	if err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", contentBucket, err)
	}

	contentCache, err := client.EnsureKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.ContentCache.Bucket,
		Description: "owner-scoped resolved collection cache",
		TTL:         cfg.ContentCache.CacheTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.ContentCache.Bucket, err)
	}

	embeddingCache, err := client.EnsureKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Embedding.CacheBucket,
		Description: "content-addressed embedding cache",
	})
	if err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Embedding.CacheBucket, err)
	}

	return &serviceBuckets{
		vectors:        vectors,
		contentRecords: contentRecords,
		contentCache:   contentCache,
		embeddingCache: embeddingCache,
	}, nil
}

// service aggregates the wired domain components
type service struct {
	store    *vectorstore.Store
	contents *content.KVStore
	pipeline *pipeline.Pipeline
}

// buildService wires embedder, content storage, vector store and pipeline
func buildService(ctx context.Context, cfg *config.Config, buckets *serviceBuckets,
	registry *metric.MetricsRegistry) (*service, error) {

	embedder, err := embedding.NewHTTPEmbedder(embedding.HTTPConfig{
		BaseURL:           cfg.Embedding.BaseURL,
		Model:             cfg.Embedding.Model,
		Dimensions:        cfg.Embedding.Dimensions,
		APIKey:            cfg.Embedding.APIKey,
		Timeout:           time.Duration(cfg.Embedding.TimeoutSec) * time.Second,
		BatchSize:         cfg.Embedding.BatchSize,
		MaxChars:          cfg.Embedding.MaxChars,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		Cache:             embedding.NewNATSCache(buckets.embeddingCache),
	})
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	collectionCache := contentcache.New(buckets.contentCache, slog.Default())
	contents := content.NewKVStore(buckets.contentRecords, content.WithCache(collectionCache))

	store, err := vectorstore.NewStore(ctx, buckets.vectors, embedder, cfg.VectorStore,
		vectorstore.WithResolver(contents),
		vectorstore.WithMetrics(registry))
	if err != nil {
		return nil, fmt.Errorf("create vector store: %w", err)
	}

	generator, err := pipeline.NewOpenAIGenerator(cfg.Generation)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create generator: %w", err)
	}

	pipe, err := pipeline.New(store, contents, generator, cfg.Pipeline,
		pipeline.WithMetrics(registry))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	return &service{store: store, contents: contents, pipeline: pipe}, nil
}

// runWithSignalHandling serves metrics until a shutdown signal arrives
func runWithSignalHandling(ctx context.Context, metricsServer *metric.Server, svc *service) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	g, gctx := errgroup.WithContext(signalCtx)

	g.Go(func() error {
		slog.Info("Metrics server listening", "address", metricsServer.Address())
		return metricsServer.Start()
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Received shutdown signal")
		return metricsServer.Stop()
	})

	slog.Info("SemRecall started successfully",
		"indexed_documents", svc.store.IndexSize())

	if err := g.Wait(); err != nil {
		return fmt.Errorf("service error: %w", err)
	}

	slog.Info("SemRecall shutdown complete")
	return nil
}
