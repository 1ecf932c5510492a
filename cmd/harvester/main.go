// Package main wires together the harvester binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shelfmetrics/harvester/internal/blob"
	"github.com/shelfmetrics/harvester/internal/config"
	"github.com/shelfmetrics/harvester/internal/failcache"
	"github.com/shelfmetrics/harvester/internal/fetch"
	"github.com/shelfmetrics/harvester/internal/logging"
	"github.com/shelfmetrics/harvester/internal/metrics"
	"github.com/shelfmetrics/harvester/internal/opsserver"
	"github.com/shelfmetrics/harvester/internal/output"
	"github.com/shelfmetrics/harvester/internal/publisher"
	"github.com/shelfmetrics/harvester/internal/ratelimit"
	"github.com/shelfmetrics/harvester/internal/region"
	"github.com/shelfmetrics/harvester/internal/runner"
	"github.com/shelfmetrics/harvester/internal/validate"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	catalogName := flag.String("catalog", "", "Run a single catalog instead of all configured ones")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *catalogName, logger); err != nil {
		logger.Error("harvester failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, only string, logger *zap.Logger) error {
	timeout := time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second

	limiter := ratelimit.New(ratelimit.Config{
		RateLimit:     cfg.Engine.RateLimit,
		Window:        cfg.Engine.RateWindow,
		MaxConcurrent: cfg.Engine.MaxConcurrent,
	})
	client := fetch.NewClient(timeout, logger.Named("fetch"))

	resolver, err := region.New(region.Config{
		LookupURL:  cfg.Region.LookupURL,
		SigningKey: []byte(cfg.Region.SigningKey),
		Timeout:    timeout,
		CacheSize:  cfg.Region.CacheSize,
	}, logger.Named("region"))
	if err != nil {
		return fmt.Errorf("build region resolver: %w", err)
	}

	store, err := newMetricsStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	prom := metrics.NewPromMetrics()
	collector := metrics.NewCollector(store, prom, nil, logger.Named("metrics"))

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	events, err := newRunEvents(ctx, cfg)
	if err != nil {
		return err
	}

	var renderer fetch.Renderer
	if cfg.Headless.Enabled {
		r, err := fetch.NewChromedpRenderer(fetch.RendererConfig{
			MaxParallel: cfg.Headless.MaxParallel,
			UserAgent:   cfg.Engine.UserAgent,
			NavTimeout:  time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		}, logger.Named("headless"))
		if err != nil {
			logger.Warn("headless renderer init failed, serving static HTML only", zap.Error(err))
		} else {
			renderer = r
			defer r.Close()
		}
	}

	ops := opsserver.New(fmt.Sprintf(":%d", cfg.Server.Port), prom.Registry, logger.Named("ops"))
	go func() {
		if err := ops.Start(); err != nil {
			logger.Error("ops server error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ops.Shutdown(shutdownCtx); err != nil {
			logger.Error("ops server shutdown error", zap.Error(err))
		}
	}()

	pipelineCfg := runner.PipelineConfig{
		Client:    client,
		Renderer:  renderer,
		UserAgent: cfg.Engine.UserAgent,
		Timeout:   timeout,
	}
	writer := output.NewWriter(cfg.Output.Dir, logger.Named("output"))
	validator := validate.New(0, logger.Named("validate"))

	for _, name := range selectCatalogs(cfg, only) {
		if ctx.Err() != nil {
			break
		}
		desc := cfg.Catalogs[name]
		if desc.Name == "" {
			desc.Name = name
		}

		catalogLogger := logging.ForCatalog(logger, name)
		pipeline, err := runner.BuildPipeline(desc, pipelineCfg, catalogLogger)
		if err != nil {
			logger.Error("skipping catalog", zap.String("catalog", name), zap.Error(err))
			continue
		}
		crawler, err := runner.New(runner.Options{
			Descriptor: desc,
			Discoverer: pipeline.Discoverer,
			Fetcher:    pipeline.Fetcher,
			Normalizer: pipeline.Normalizer,
			Validator:  validator,
			Writer:     writer,
			Failures:   failcache.New(cfg.FailCache.Dir, desc.Name, cfg.FailCache.TTLDays, nil, logger.Named("failcache")),
			Regions:    resolver,
			Limiter:    limiter,
			Collector:  collector,
			Prom:       prom,
			Store:      blobs,
			Events:     events,
			MinRows:    cfg.Output.MinRows,
			Logger:     catalogLogger,
		})
		if err != nil {
			logger.Error("skipping catalog", zap.String("catalog", name), zap.Error(err))
			continue
		}
		if err := crawler.Run(ctx); err != nil {
			logger.Error("catalog run failed", zap.String("catalog", name), zap.Error(err))
		}
	}
	return ctx.Err()
}

func selectCatalogs(cfg config.Config, only string) []string {
	if only != "" {
		return []string{only}
	}
	names := make([]string, 0, len(cfg.Catalogs))
	for name := range cfg.Catalogs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newMetricsStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (metrics.Store, error) {
	if cfg.Metrics.DSN == "" {
		logger.Warn("no metrics dsn configured, run history is in-memory only")
		return metrics.NewMemoryStore(), nil
	}
	store, err := metrics.NewPostgresStore(ctx, metrics.PostgresConfig{
		DSN:        cfg.Metrics.DSN,
		RunTable:   cfg.Metrics.RunTable,
		BatchTable: cfg.Metrics.BatchTable,
		MaxConns:   cfg.Metrics.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("build metrics store: %w", err)
	}
	return store, nil
}

func newBlobStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	if cfg.Output.GCSBucket == "" {
		return nil, nil
	}
	store, err := blob.NewGCSStore(ctx, cfg.Output.GCSBucket)
	if err != nil {
		return nil, fmt.Errorf("build blob store: %w", err)
	}
	return store, nil
}

func newRunEvents(ctx context.Context, cfg config.Config) (publisher.Publisher, error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		return nil, nil
	}
	pub, err := publisher.NewPubSub(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("build run-event publisher: %w", err)
	}
	return pub, nil
}
