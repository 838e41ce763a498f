// Command worker runs the pipeline worker pool. It claims queued runs from
// the database and drives each one through the staged generation pipeline.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaycohen-verbali/Image-generation/internal/adapter/ai/assistant"
	"github.com/shaycohen-verbali/Image-generation/internal/adapter/ai/imagegen"
	"github.com/shaycohen-verbali/Image-generation/internal/adapter/observability"
	"github.com/shaycohen-verbali/Image-generation/internal/adapter/repo/postgres"
	"github.com/shaycohen-verbali/Image-generation/internal/app"
	"github.com/shaycohen-verbali/Image-generation/internal/config"
	"github.com/shaycohen-verbali/Image-generation/internal/storage"
	"github.com/shaycohen-verbali/Image-generation/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Expose worker metrics on a dedicated port so Prometheus can scrape
	// claim/stage/score instrumentation separately from the API server.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("schema migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := storage.New(cfg.RuntimeDataRoot)
	if err != nil {
		slog.Error("storage init failed", slog.Any("error", err))
		os.Exit(1)
	}

	entryRepo := postgres.NewEntryRepo(pool)
	runRepo := postgres.NewRunRepo(pool)
	artifactRepo := postgres.NewArtifactRepo(pool)
	configRepo := postgres.NewConfigRepo(pool)

	if err := configRepo.Seed(ctx, app.SeedRuntimeConfig(cfg)); err != nil {
		slog.Error("config seed failed", slog.Any("error", err))
		os.Exit(1)
	}

	assistantClient := assistant.New(cfg)
	generatorClient := imagegen.New(cfg)

	runner := usecase.NewRunner(entryRepo, runRepo, artifactRepo, configRepo, assistantClient, generatorClient, store)
	worker := app.NewWorker(runRepo, configRepo, runner)

	if err := worker.Run(ctx); err != nil {
		slog.Error("worker stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
