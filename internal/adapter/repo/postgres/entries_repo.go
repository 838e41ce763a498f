package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/shaycohen-verbali/Image-generation/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// EntryRepo persists and loads vocabulary entries using a minimal pgx pool.
type EntryRepo struct{ Pool PgxPool }

// NewEntryRepo constructs an EntryRepo with the given pool.
func NewEntryRepo(p PgxPool) *EntryRepo { return &EntryRepo{Pool: p} }

const entryColumns = `id, word, part_of_sentence, category, context, boy_or_girl, batch, source_row_hash, created_at, updated_at`

// Create inserts an entry, deriving its id from the unique tuple. A second
// create with the same (word, part_of_sentence, category) returns the
// existing row unchanged.
func (r *EntryRepo) Create(ctx domain.Context, in domain.EntryInput) (domain.Entry, error) {
	tracer := otel.Tracer("repo.entries")
	ctx, span := tracer.Start(ctx, "entries.Create")
	defer span.End()
	if in.Word == "" || in.PartOfSentence == "" || in.Category == "" {
		return domain.Entry{}, fmt.Errorf("op=entry.create: word, part_of_sentence, category required: %w", domain.ErrInvalidArgument)
	}
	id := domain.DeterministicEntryID(in.Word, in.PartOfSentence, in.Category)
	now := time.Now().UTC()
	q := `INSERT INTO entries (` + entryColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q, id, in.Word, in.PartOfSentence, in.Category, in.Context, in.BoyOrGirl, in.Batch, domain.SourceRowHash(in), now, now)
	if err != nil {
		return domain.Entry{}, fmt.Errorf("op=entry.create: %w", err)
	}
	return r.Get(ctx, id)
}

// Get loads an entry by id.
func (r *EntryRepo) Get(ctx domain.Context, id string) (domain.Entry, error) {
	tracer := otel.Tracer("repo.entries")
	ctx, span := tracer.Start(ctx, "entries.Get")
	defer span.End()
	q := `SELECT ` + entryColumns + ` FROM entries WHERE id=$1`
	var e domain.Entry
	err := r.Pool.QueryRow(ctx, q, id).Scan(&e.ID, &e.Word, &e.PartOfSentence, &e.Category, &e.Context, &e.BoyOrGirl, &e.Batch, &e.SourceRowHash, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Entry{}, fmt.Errorf("op=entry.get: %w", domain.ErrNotFound)
		}
		return domain.Entry{}, fmt.Errorf("op=entry.get: %w", err)
	}
	return e, nil
}

// List returns entries matching the filter, each paired with its most recent
// run. Score filters apply to the latest run's quality score.
func (r *EntryRepo) List(ctx domain.Context, f domain.EntryFilter) ([]domain.EntryWithLatestRun, error) {
	tracer := otel.Tracer("repo.entries")
	ctx, span := tracer.Start(ctx, "entries.List")
	defer span.End()
	q := `SELECT e.id, e.word, e.part_of_sentence, e.category, e.context, e.boy_or_girl, e.batch, e.source_row_hash, e.created_at, e.updated_at,
			r.id, r.entry_id, r.status, r.current_stage, r.retry_from_stage, r.quality_score, r.quality_threshold,
			r.optimization_attempt, r.max_optimization_attempts, r.technical_retry_count,
			r.review_warning, r.review_warning_reason, r.error_detail, r.created_at, r.updated_at
		FROM entries e
		LEFT JOIN LATERAL (
			SELECT * FROM runs WHERE entry_id = e.id ORDER BY created_at DESC LIMIT 1
		) r ON TRUE
		WHERE ($1 = '' OR LOWER(e.word) = LOWER($1))
		  AND ($2 = '' OR LOWER(e.part_of_sentence) = LOWER($2))
		  AND ($3 = '' OR LOWER(e.category) = LOWER($3))
		  AND ($4 = '' OR e.batch = $4)
		  AND ($5 = '' OR r.status = $5)
		  AND ($6::float8 IS NULL OR r.quality_score >= $6)
		  AND ($7::float8 IS NULL OR r.quality_score <= $7)
		ORDER BY e.created_at DESC`
	rows, err := r.Pool.Query(ctx, q, f.Word, f.PartOfSentence, f.Category, f.Batch, f.Status, f.MinScore, f.MaxScore)
	if err != nil {
		return nil, fmt.Errorf("op=entry.list: %w", err)
	}
	defer rows.Close()
	var out []domain.EntryWithLatestRun
	for rows.Next() {
		var e domain.Entry
		var run nullableRun
		if err := rows.Scan(&e.ID, &e.Word, &e.PartOfSentence, &e.Category, &e.Context, &e.BoyOrGirl, &e.Batch, &e.SourceRowHash, &e.CreatedAt, &e.UpdatedAt,
			&run.ID, &run.EntryID, &run.Status, &run.CurrentStage, &run.RetryFromStage, &run.QualityScore, &run.QualityThreshold,
			&run.OptimizationAttempt, &run.MaxOptimizationAttempts, &run.TechnicalRetryCount,
			&run.ReviewWarning, &run.ReviewWarningReason, &run.ErrorDetail, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=entry.list: %w", err)
		}
		out = append(out, domain.EntryWithLatestRun{Entry: e, LatestRun: run.toRun()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=entry.list: %w", err)
	}
	return out, nil
}

// nullableRun scans the LEFT JOIN side of an entry listing.
type nullableRun struct {
	ID                      *string
	EntryID                 *string
	Status                  *string
	CurrentStage            *string
	RetryFromStage          *string
	QualityScore            *float64
	QualityThreshold        *int
	OptimizationAttempt     *int
	MaxOptimizationAttempts *int
	TechnicalRetryCount     *int
	ReviewWarning           *bool
	ReviewWarningReason     *string
	ErrorDetail             *string
	CreatedAt               *time.Time
	UpdatedAt               *time.Time
}

func (n nullableRun) toRun() *domain.Run {
	if n.ID == nil {
		return nil
	}
	return &domain.Run{
		ID:                      *n.ID,
		EntryID:                 *n.EntryID,
		Status:                  domain.RunStatus(*n.Status),
		CurrentStage:            *n.CurrentStage,
		RetryFromStage:          *n.RetryFromStage,
		QualityScore:            n.QualityScore,
		QualityThreshold:        *n.QualityThreshold,
		OptimizationAttempt:     *n.OptimizationAttempt,
		MaxOptimizationAttempts: *n.MaxOptimizationAttempts,
		TechnicalRetryCount:     *n.TechnicalRetryCount,
		ReviewWarning:           *n.ReviewWarning,
		ReviewWarningReason:     *n.ReviewWarningReason,
		ErrorDetail:             *n.ErrorDetail,
		CreatedAt:               *n.CreatedAt,
		UpdatedAt:               *n.UpdatedAt,
	}
}
