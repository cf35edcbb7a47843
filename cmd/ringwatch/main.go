// Ringwatch - Money muling ring detection over transaction graphs.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/opensource-finance/ringwatch/internal/api"
	"github.com/opensource-finance/ringwatch/internal/bus"
	"github.com/opensource-finance/ringwatch/internal/cache"
	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/engine"
	"github.com/opensource-finance/ringwatch/internal/graphstore"
	"github.com/opensource-finance/ringwatch/internal/metrics"
	"github.com/opensource-finance/ringwatch/internal/ml"
	"github.com/opensource-finance/ringwatch/internal/repository"
	"github.com/opensource-finance/ringwatch/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration
	cfg := domain.DefaultConfig()
	if os.Getenv("RINGWATCH_TIER") == "pro" {
		cfg = domain.ProConfig()
	}
	applyEnv(cfg)

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting ringwatch",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"graph_export", cfg.GraphStore.Enabled,
		"async", cfg.Worker.Async,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	m := metrics.New()

	// Detection engine, with the model blend when an artifact is present
	var engineOpts []engine.Option
	model, err := ml.Default(cfg.Model.Path)
	switch {
	case err == nil:
		engineOpts = append(engineOpts, engine.WithModel(model))
		slog.Info("ml model loaded", "path", cfg.Model.Path)
	case errors.Is(err, ml.ErrModelUnavailable):
		slog.Info("no ml model, using rule scores only", "path", cfg.Model.Path)
	default:
		slog.Warn("failed to load ml model, using rule scores only", "path", cfg.Model.Path, "error", err)
	}

	eng, err := engine.New(cfg.Detection, engineOpts...)
	if err != nil {
		slog.Error("failed to initialize detection engine", "error", err)
		os.Exit(1)
	}

	pipelineOpts := []worker.Option{
		worker.WithRepository(repo),
		worker.WithCache(cacheImpl, cfg.Server.ReportTTL),
		worker.WithBus(busImpl),
		worker.WithMetrics(m),
		worker.WithAlertRisk(cfg.Worker.AlertRisk),
	}

	// Graph export is optional; the service runs without it
	var exporter *graphstore.Exporter
	if cfg.GraphStore.Enabled {
		exporter, err = openGraphStore(ctx, cfg.GraphStore)
		if err != nil {
			slog.Warn("graph export disabled", "uri", cfg.GraphStore.URI, "error", err)
		} else {
			defer exporter.Close(context.Background())
			pipelineOpts = append(pipelineOpts, worker.WithExporter(exporter))
			slog.Info("graph export enabled", "uri", cfg.GraphStore.URI)
		}
	}

	pipeline := worker.NewPipeline(eng, pipelineOpts...)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Async {
		asyncWorker = worker.NewWorker(busImpl, pipeline)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
			os.Exit(1)
		}
		slog.Info("async worker started")
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Pipeline:   pipeline,
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Metrics:    m,
		Version:    Version,
		Graph:      exporter,
		Worker:     asyncWorker,
		Async:      cfg.Worker.Async,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("ringwatch is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"model_active", eng.ModelActive(),
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop taking requests before draining the worker
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	slog.Info("ringwatch shutdown complete")
}

func openGraphStore(ctx context.Context, cfg domain.GraphStoreConfig) (*graphstore.Exporter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := graphstore.NewNeo4jClient(ctx, graphstore.Options{
		URI:            cfg.URI,
		Database:       cfg.Database,
		Username:       cfg.Username,
		Password:       cfg.Password,
		MaxConnections: cfg.MaxConnections,
	})
	if err != nil {
		return nil, err
	}
	return graphstore.NewExporter(client, 0), nil
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// applyEnv overrides configuration from the environment.
func applyEnv(cfg *domain.Config) {
	if os.Getenv("RINGWATCH_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TRUST_PROXY_HEADERS"); v != "" {
		cfg.Server.TrustProxyHeaders = v == "true"
	}
	if v := os.Getenv("RINGWATCH_MODEL_PATH"); v != "" {
		cfg.Model.Path = v
	}
	if v := os.Getenv("RINGWATCH_ASYNC_WORKER"); v != "" {
		cfg.Worker.Async = v == "true"
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}

	if v := os.Getenv("GRAPH_URI"); v != "" {
		cfg.GraphStore.Enabled = true
		cfg.GraphStore.URI = v
	}
	if v := os.Getenv("GRAPH_USER"); v != "" {
		cfg.GraphStore.Username = v
	}
	if v := os.Getenv("GRAPH_PASSWORD"); v != "" {
		cfg.GraphStore.Password = v
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  RINGWATCH - money muling ring detection")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /analyze                - Analyze a JSON batch")
	fmt.Println("    POST /analyze/csv            - Analyze a CSV upload")
	fmt.Println("    POST /validate/csv           - Validate a CSV upload")
	fmt.Println("    GET  /analyses               - List recent analyses")
	fmt.Println("    GET  /analyses/{id}          - Get an analysis and its report")
	fmt.Println("    GET  /analyses/{id}/graph    - Graph view of an analysis")
	fmt.Println("    GET  /accounts/{id}/rings    - Rings an account appeared in")
	fmt.Println("    GET  /sample                 - Synthetic sample CSV")
	fmt.Println("    GET  /sample/analysis        - Analyze the synthetic sample")
	fmt.Println("    GET  /sample/format          - Upload format")
	fmt.Println("    GET  /health, /ready, /metrics")
	fmt.Println()
}
