package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/shaycohen-verbali/Image-generation/internal/domain"
)

// RunRepo persists runs and implements the queue-claim protocol.
type RunRepo struct{ Pool PgxPool }

// NewRunRepo constructs a RunRepo with the given pool.
func NewRunRepo(p PgxPool) *RunRepo { return &RunRepo{Pool: p} }

const runColumns = `id, entry_id, status, current_stage, retry_from_stage, quality_score, quality_threshold,
	optimization_attempt, max_optimization_attempts, technical_retry_count,
	review_warning, review_warning_reason, error_detail, created_at, updated_at`

func scanRun(row pgx.Row) (domain.Run, error) {
	var r domain.Run
	err := row.Scan(&r.ID, &r.EntryID, &r.Status, &r.CurrentStage, &r.RetryFromStage, &r.QualityScore, &r.QualityThreshold,
		&r.OptimizationAttempt, &r.MaxOptimizationAttempts, &r.TechnicalRetryCount,
		&r.ReviewWarning, &r.ReviewWarningReason, &r.ErrorDetail, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// CreateBatch enqueues one run per entry id in a single transaction. The
// threshold is clamped before persisting so every queued run already carries
// an accepted value.
func (r *RunRepo) CreateBatch(ctx domain.Context, entryIDs []string, qualityThreshold, maxOptimizationAttempts int) ([]domain.Run, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.CreateBatch")
	defer span.End()
	if len(entryIDs) == 0 {
		return nil, fmt.Errorf("op=run.create_batch: entry_ids required: %w", domain.ErrInvalidArgument)
	}
	threshold := domain.ClampQualityThreshold(qualityThreshold)
	if maxOptimizationAttempts < 0 {
		maxOptimizationAttempts = 0
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=run.create_batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	q := `INSERT INTO runs (id, entry_id, status, current_stage, quality_threshold, max_optimization_attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	runs := make([]domain.Run, 0, len(entryIDs))
	for _, entryID := range entryIDs {
		run := domain.Run{
			ID:                      domain.NewID("run"),
			EntryID:                 entryID,
			Status:                  domain.RunQueued,
			CurrentStage:            domain.StageQueued,
			QualityThreshold:        threshold,
			MaxOptimizationAttempts: maxOptimizationAttempts,
			CreatedAt:               now,
			UpdatedAt:               now,
		}
		if _, err := tx.Exec(ctx, q, run.ID, run.EntryID, run.Status, run.CurrentStage, run.QualityThreshold, run.MaxOptimizationAttempts, now, now); err != nil {
			return nil, fmt.Errorf("op=run.create_batch entry=%s: %w", entryID, err)
		}
		runs = append(runs, run)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=run.create_batch: %w", err)
	}
	return runs, nil
}

// Get loads a run by id.
func (r *RunRepo) Get(ctx domain.Context, id string) (domain.Run, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Get")
	defer span.End()
	q := `SELECT ` + runColumns + ` FROM runs WHERE id=$1`
	run, err := scanRun(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Run{}, fmt.Errorf("op=run.get: %w", domain.ErrNotFound)
		}
		return domain.Run{}, fmt.Errorf("op=run.get: %w", err)
	}
	return run, nil
}

// List returns runs matching the filter, newest first.
func (r *RunRepo) List(ctx domain.Context, f domain.RunFilter) ([]domain.Run, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.List")
	defer span.End()
	q := `SELECT ` + runColumns + ` FROM runs
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR entry_id = $2)
		  AND ($3::float8 IS NULL OR quality_score >= $3)
		  AND ($4::float8 IS NULL OR quality_score <= $4)
		ORDER BY created_at DESC`
	rows, err := r.Pool.Query(ctx, q, f.Status, f.EntryID, f.MinScore, f.MaxScore)
	if err != nil {
		return nil, fmt.Errorf("op=run.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("op=run.list: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=run.list: %w", err)
	}
	return out, nil
}

// Update applies a partial update and returns the updated run.
func (r *RunRepo) Update(ctx domain.Context, id string, upd domain.RunUpdate) (domain.Run, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Update")
	defer span.End()
	sets := []string{"updated_at=$2"}
	args := []any{id, time.Now().UTC()}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.CurrentStage != nil {
		add("current_stage", *upd.CurrentStage)
	}
	if upd.RetryFromStage != nil {
		add("retry_from_stage", *upd.RetryFromStage)
	}
	if upd.QualityScore != nil {
		add("quality_score", *upd.QualityScore)
	}
	if upd.OptimizationAttempt != nil {
		add("optimization_attempt", *upd.OptimizationAttempt)
	}
	if upd.TechnicalRetryCount != nil {
		add("technical_retry_count", *upd.TechnicalRetryCount)
	}
	if upd.ReviewWarning != nil {
		add("review_warning", *upd.ReviewWarning)
	}
	if upd.ReviewWarningReason != nil {
		add("review_warning_reason", *upd.ReviewWarningReason)
	}
	if upd.ErrorDetail != nil {
		add("error_detail", *upd.ErrorDetail)
	}
	q := `UPDATE runs SET ` + strings.Join(sets, ", ") + ` WHERE id=$1 RETURNING ` + runColumns
	run, err := scanRun(r.Pool.QueryRow(ctx, q, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Run{}, fmt.Errorf("op=run.update: %w", domain.ErrNotFound)
		}
		return domain.Run{}, fmt.Errorf("op=run.update: %w", err)
	}
	return run, nil
}

// ClaimNextQueued implements the crash-safe claim: select the oldest
// claimable run, then flip it to running with a conditional update. When the
// update matches zero rows another worker won the race and nil is returned;
// the caller simply polls again. A retry_queued run resumes at its recorded
// retry_from_stage.
func (r *RunRepo) ClaimNextQueued(ctx domain.Context) (*domain.Run, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.ClaimNextQueued")
	defer span.End()
	var id string
	sel := `SELECT id FROM runs WHERE status IN ($1,$2) ORDER BY created_at ASC LIMIT 1`
	if err := r.Pool.QueryRow(ctx, sel, domain.RunQueued, domain.RunRetryQueued).Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("op=run.claim: %w", err)
	}
	upd := `UPDATE runs SET status=$3,
			current_stage = COALESCE(NULLIF(retry_from_stage, ''), current_stage),
			retry_from_stage = '',
			updated_at = $4
		WHERE id=$1 AND status IN ($2,$5)`
	tag, err := r.Pool.Exec(ctx, upd, id, domain.RunQueued, domain.RunRunning, time.Now().UTC(), domain.RunRetryQueued)
	if err != nil {
		return nil, fmt.Errorf("op=run.claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race; caller retries on its next poll.
		return nil, nil
	}
	run, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// retryResumeStage maps a failed stage onto the stage a re-queued run should
// resume from. A failed quality gate re-runs the generation it judged.
func retryResumeStage(stageName string) string {
	switch stageName {
	case domain.StageQualityGate:
		return domain.StageStage3
	case domain.StageStage1, domain.StageStage2, domain.StageStage3, domain.StageStage4:
		return stageName
	default:
		return domain.StageStage1
	}
}

// RetryFromLastFailure re-queues a terminal run starting at its most recent
// failed stage. Non-terminal runs conflict.
func (r *RunRepo) RetryFromLastFailure(ctx domain.Context, id string) (domain.Run, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.RetryFromLastFailure")
	defer span.End()
	run, err := r.Get(ctx, id)
	if err != nil {
		return domain.Run{}, err
	}
	if !run.Status.Terminal() {
		return domain.Run{}, fmt.Errorf("op=run.retry: run %s is %s: %w", id, run.Status, domain.ErrConflict)
	}
	var failedStage string
	sel := `SELECT stage_name FROM stage_results
		WHERE run_id=$1 AND status IN ($2,$3,$4)
		ORDER BY created_at DESC LIMIT 1`
	err = r.Pool.QueryRow(ctx, sel, id, domain.StageStatusError, domain.StageStatusFailed, domain.StageStatusTimeout).Scan(&failedStage)
	if err != nil && err != pgx.ErrNoRows {
		return domain.Run{}, fmt.Errorf("op=run.retry: %w", err)
	}
	resume := retryResumeStage(failedStage)
	status := domain.RunRetryQueued
	retryCount := run.TechnicalRetryCount + 1
	empty := ""
	return r.Update(ctx, id, domain.RunUpdate{
		Status:              &status,
		RetryFromStage:      &resume,
		TechnicalRetryCount: &retryCount,
		ErrorDetail:         &empty,
	})
}

// ListForExport returns runs joined with their entries for export assembly.
func (r *RunRepo) ListForExport(ctx domain.Context, f domain.ExportFilter) ([]domain.RunWithEntry, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.ListForExport")
	defer span.End()
	q := `SELECT r.id, r.entry_id, r.status, r.current_stage, r.retry_from_stage, r.quality_score, r.quality_threshold,
			r.optimization_attempt, r.max_optimization_attempts, r.technical_retry_count,
			r.review_warning, r.review_warning_reason, r.error_detail, r.created_at, r.updated_at,
			e.id, e.word, e.part_of_sentence, e.category, e.context, e.boy_or_girl, e.batch, e.source_row_hash, e.created_at, e.updated_at
		FROM runs r
		JOIN entries e ON e.id = r.entry_id
		WHERE (cardinality($1::text[]) = 0 OR r.entry_id = ANY($1))
		  AND (cardinality($2::text[]) = 0 OR r.id = ANY($2))
		  AND (cardinality($3::text[]) = 0 OR r.status = ANY($3))
		  AND ($4::float8 IS NULL OR r.quality_score >= $4)
		  AND ($5::float8 IS NULL OR r.quality_score <= $5)
		ORDER BY r.created_at ASC`
	entryIDs := f.EntryIDs
	if entryIDs == nil {
		entryIDs = []string{}
	}
	runIDs := f.RunIDs
	if runIDs == nil {
		runIDs = []string{}
	}
	statuses := f.Statuses
	if statuses == nil {
		statuses = []string{}
	}
	rows, err := r.Pool.Query(ctx, q, entryIDs, runIDs, statuses, f.MinScore, f.MaxScore)
	if err != nil {
		return nil, fmt.Errorf("op=run.list_for_export: %w", err)
	}
	defer rows.Close()
	var out []domain.RunWithEntry
	for rows.Next() {
		var rn domain.Run
		var e domain.Entry
		if err := rows.Scan(&rn.ID, &rn.EntryID, &rn.Status, &rn.CurrentStage, &rn.RetryFromStage, &rn.QualityScore, &rn.QualityThreshold,
			&rn.OptimizationAttempt, &rn.MaxOptimizationAttempts, &rn.TechnicalRetryCount,
			&rn.ReviewWarning, &rn.ReviewWarningReason, &rn.ErrorDetail, &rn.CreatedAt, &rn.UpdatedAt,
			&e.ID, &e.Word, &e.PartOfSentence, &e.Category, &e.Context, &e.BoyOrGirl, &e.Batch, &e.SourceRowHash, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=run.list_for_export: %w", err)
		}
		out = append(out, domain.RunWithEntry{Run: rn, Entry: e})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=run.list_for_export: %w", err)
	}
	return out, nil
}

// Count returns the total number of runs.
func (r *RunRepo) Count(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Count")
	defer span.End()
	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=run.count: %w", err)
	}
	return n, nil
}
