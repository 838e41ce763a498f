// Command maintenance checks asset integrity and snapshots file-backed
// databases. Intended for cron or manual operator use; prints a JSON report
// to stdout.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/shaycohen-verbali/Image-generation/internal/adapter/observability"
	"github.com/shaycohen-verbali/Image-generation/internal/adapter/repo/postgres"
	"github.com/shaycohen-verbali/Image-generation/internal/app"
	"github.com/shaycohen-verbali/Image-generation/internal/config"
	"github.com/shaycohen-verbali/Image-generation/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store, err := storage.New(cfg.RuntimeDataRoot)
	if err != nil {
		slog.Error("storage init failed", slog.Any("error", err))
		os.Exit(1)
	}

	artifactRepo := postgres.NewArtifactRepo(pool)

	report, err := app.RunMaintenance(ctx, artifactRepo, store, cfg.DBURL)
	if err != nil {
		slog.Error("maintenance failed", slog.Any("error", err))
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)

	if report.MissingFiles > 0 {
		slog.Warn("asset integrity check found missing files",
			slog.Int("missing", report.MissingFiles),
			slog.Int("total", report.TotalAssets))
		os.Exit(2)
	}
}
