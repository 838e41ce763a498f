package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shaycohen-verbali/Image-generation/internal/domain"
	"github.com/shaycohen-verbali/Image-generation/internal/storage"
)

// IntegrityReport summarizes the on-disk state of recorded assets.
type IntegrityReport struct {
	TotalAssets   int      `json:"total_assets"`
	MissingFiles  int      `json:"missing_files"`
	MissingPaths  []string `json:"missing_paths"`
	BackupPath    string   `json:"backup_path,omitempty"`
	BackupSkipped string   `json:"backup_skipped,omitempty"`
	GeneratedAt   string   `json:"generated_at"`
}

// RunMaintenance verifies that every recorded asset still exists on disk and,
// when the database DSN points at a local file, snapshots it into the backups
// directory. Server-based databases are expected to have their own backup
// story and are skipped with a note.
func RunMaintenance(ctx domain.Context, artifacts domain.ArtifactRepository, store *storage.Store, dbURL string) (IntegrityReport, error) {
	report := IntegrityReport{
		MissingPaths: []string{},
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
	}

	assets, err := artifacts.ListAssets(ctx)
	if err != nil {
		return report, fmt.Errorf("op=maintenance.list_assets: %w", err)
	}
	report.TotalAssets = len(assets)
	for _, a := range assets {
		if _, err := os.Stat(a.AbsPath); err != nil {
			report.MissingFiles++
			report.MissingPaths = append(report.MissingPaths, a.AbsPath)
		}
	}

	if path, ok := fileBackedDSN(dbURL); ok {
		stamp := time.Now().UTC().Format("20060102T150405Z")
		dst := filepath.Join(store.BackupsRoot(), fmt.Sprintf("aac_image_generator_%s.db", stamp))
		if err := storage.CopyFile(path, dst); err != nil {
			return report, fmt.Errorf("op=maintenance.backup: %w", err)
		}
		report.BackupPath = dst
	} else {
		report.BackupSkipped = "database is not file-backed; rely on server-side backups"
	}
	return report, nil
}

// fileBackedDSN extracts a local file path from sqlite-style DSNs.
func fileBackedDSN(dsn string) (string, bool) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return strings.TrimPrefix(dsn, "sqlite://"), true
	case strings.HasPrefix(dsn, "file:"):
		p := strings.TrimPrefix(dsn, "file:")
		if i := strings.IndexByte(p, '?'); i >= 0 {
			p = p[:i]
		}
		return p, p != ""
	}
	return "", false
}
