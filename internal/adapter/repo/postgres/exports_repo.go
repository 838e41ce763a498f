package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/shaycohen-verbali/Image-generation/internal/domain"
)

// ExportRepo persists export records.
type ExportRepo struct{ Pool PgxPool }

// NewExportRepo constructs an ExportRepo with the given pool.
func NewExportRepo(p PgxPool) *ExportRepo { return &ExportRepo{Pool: p} }

const exportColumns = `id, filter_json, csv_path, zip_path, manifest_path, status, error_detail, created_at, updated_at`

func scanExport(row pgx.Row) (domain.Export, error) {
	var e domain.Export
	err := row.Scan(&e.ID, &e.FilterJSON, &e.CSVPath, &e.ZipPath, &e.ManifestPath, &e.Status, &e.ErrorDetail, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

// Create inserts a pending export with its filter snapshot.
func (r *ExportRepo) Create(ctx domain.Context, filterJSON string) (domain.Export, error) {
	tracer := otel.Tracer("repo.exports")
	ctx, span := tracer.Start(ctx, "exports.Create")
	defer span.End()
	if filterJSON == "" {
		filterJSON = "{}"
	}
	now := time.Now().UTC()
	e := domain.Export{
		ID:         domain.NewID("exp"),
		FilterJSON: filterJSON,
		Status:     domain.ExportPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	q := `INSERT INTO exports (id, filter_json, status, created_at, updated_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, e.ID, e.FilterJSON, e.Status, now, now); err != nil {
		return domain.Export{}, fmt.Errorf("op=export.create: %w", err)
	}
	return e, nil
}

// Update records the outcome of an export job.
func (r *ExportRepo) Update(ctx domain.Context, id string, status domain.ExportStatus, csvPath, zipPath, manifestPath, errorDetail string) (domain.Export, error) {
	tracer := otel.Tracer("repo.exports")
	ctx, span := tracer.Start(ctx, "exports.Update")
	defer span.End()
	q := `UPDATE exports SET status=$2, csv_path=$3, zip_path=$4, manifest_path=$5, error_detail=$6, updated_at=$7
		WHERE id=$1 RETURNING ` + exportColumns
	e, err := scanExport(r.Pool.QueryRow(ctx, q, id, status, csvPath, zipPath, manifestPath, errorDetail, time.Now().UTC()))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Export{}, fmt.Errorf("op=export.update: %w", domain.ErrNotFound)
		}
		return domain.Export{}, fmt.Errorf("op=export.update: %w", err)
	}
	return e, nil
}

// Get loads an export by id.
func (r *ExportRepo) Get(ctx domain.Context, id string) (domain.Export, error) {
	tracer := otel.Tracer("repo.exports")
	ctx, span := tracer.Start(ctx, "exports.Get")
	defer span.End()
	e, err := scanExport(r.Pool.QueryRow(ctx, `SELECT `+exportColumns+` FROM exports WHERE id=$1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Export{}, fmt.Errorf("op=export.get: %w", domain.ErrNotFound)
		}
		return domain.Export{}, fmt.Errorf("op=export.get: %w", err)
	}
	return e, nil
}
