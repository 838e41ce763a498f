// Command server starts the AAC image pipeline HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/shaycohen-verbali/Image-generation/internal/adapter/httpserver"
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
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, provider, and pipeline instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool, schema, artifact store
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
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

	// Repositories
	entryRepo := postgres.NewEntryRepo(pool)
	runRepo := postgres.NewRunRepo(pool)
	artifactRepo := postgres.NewArtifactRepo(pool)
	exportRepo := postgres.NewExportRepo(pool)
	configRepo := postgres.NewConfigRepo(pool)

	if err := configRepo.Seed(ctx, app.SeedRuntimeConfig(cfg)); err != nil {
		slog.Error("config seed failed", slog.Any("error", err))
		os.Exit(1)
	}

	exporter := usecase.NewExporter(runRepo, artifactRepo, exportRepo, store)

	dbCheck := func(ctx context.Context) error { return pool.Ping(ctx) }

	srv := httpserver.NewServer(cfg, entryRepo, runRepo, artifactRepo, configRepo, exporter, exportRepo, store, dbCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
