package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/shaycohen-verbali/Image-generation/internal/domain"
)

// ConfigRepo reads and updates the single-row runtime configuration.
type ConfigRepo struct{ Pool PgxPool }

// NewConfigRepo constructs a ConfigRepo with the given pool.
func NewConfigRepo(p PgxPool) *ConfigRepo { return &ConfigRepo{Pool: p} }

const configColumns = `id, quality_threshold, max_optimization_loops, max_api_retries, stage_retry_limit,
	worker_poll_seconds, max_parallel_runs, fallback_enabled,
	assistant_id, assistant_name, vision_model, critique_model, generate_model, quality_gate_model,
	created_at, updated_at`

func scanConfig(row pgx.Row) (domain.RuntimeConfig, error) {
	var c domain.RuntimeConfig
	err := row.Scan(&c.ID, &c.QualityThreshold, &c.MaxOptimizationLoops, &c.MaxAPIRetries, &c.StageRetryLimit,
		&c.WorkerPollSeconds, &c.MaxParallelRuns, &c.FallbackEnabled,
		&c.AssistantID, &c.AssistantName, &c.VisionModel, &c.CritiqueModel, &c.GenerateModel, &c.QualityGateModel,
		&c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// Get loads the config row.
func (r *ConfigRepo) Get(ctx domain.Context) (domain.RuntimeConfig, error) {
	tracer := otel.Tracer("repo.config")
	ctx, span := tracer.Start(ctx, "config.Get")
	defer span.End()
	c, err := scanConfig(r.Pool.QueryRow(ctx, `SELECT `+configColumns+` FROM app_config WHERE id=1`))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.RuntimeConfig{}, fmt.Errorf("op=config.get: %w", domain.ErrNotFound)
		}
		return domain.RuntimeConfig{}, fmt.Errorf("op=config.get: %w", err)
	}
	return c, nil
}

// Update applies a partial update. Threshold and parallelism are clamped,
// never rejected; model names are normalized onto the allow-lists.
func (r *ConfigRepo) Update(ctx domain.Context, upd domain.RuntimeConfigUpdate) (domain.RuntimeConfig, error) {
	tracer := otel.Tracer("repo.config")
	ctx, span := tracer.Start(ctx, "config.Update")
	defer span.End()
	sets := []string{"updated_at=$1"}
	args := []any{time.Now().UTC()}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if upd.QualityThreshold != nil {
		add("quality_threshold", domain.ClampQualityThreshold(*upd.QualityThreshold))
	}
	if upd.MaxOptimizationLoops != nil {
		add("max_optimization_loops", max(*upd.MaxOptimizationLoops, 0))
	}
	if upd.MaxAPIRetries != nil {
		add("max_api_retries", max(*upd.MaxAPIRetries, 0))
	}
	if upd.StageRetryLimit != nil {
		add("stage_retry_limit", max(*upd.StageRetryLimit, 1))
	}
	if upd.WorkerPollSeconds != nil {
		v := *upd.WorkerPollSeconds
		if v <= 0 {
			v = 1
		}
		add("worker_poll_seconds", v)
	}
	if upd.MaxParallelRuns != nil {
		add("max_parallel_runs", domain.ClampParallelRuns(*upd.MaxParallelRuns))
	}
	if upd.FallbackEnabled != nil {
		add("fallback_enabled", *upd.FallbackEnabled)
	}
	if upd.AssistantID != nil {
		add("assistant_id", *upd.AssistantID)
	}
	if upd.AssistantName != nil {
		add("assistant_name", *upd.AssistantName)
	}
	if upd.VisionModel != nil {
		add("vision_model", domain.NormalizeVisionModel(*upd.VisionModel))
	}
	if upd.CritiqueModel != nil {
		add("critique_model", domain.NormalizeVisionModel(*upd.CritiqueModel))
	}
	if upd.GenerateModel != nil {
		add("generate_model", domain.NormalizeGenerationModel(*upd.GenerateModel))
	}
	if upd.QualityGateModel != nil {
		add("quality_gate_model", domain.NormalizeVisionModel(*upd.QualityGateModel))
	}
	q := `UPDATE app_config SET ` + strings.Join(sets, ", ") + ` WHERE id=1 RETURNING ` + configColumns
	c, err := scanConfig(r.Pool.QueryRow(ctx, q, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.RuntimeConfig{}, fmt.Errorf("op=config.update: %w", domain.ErrNotFound)
		}
		return domain.RuntimeConfig{}, fmt.Errorf("op=config.update: %w", err)
	}
	return c, nil
}

// Seed inserts the config row if absent; an existing row is left untouched
// so admin edits survive restarts.
func (r *ConfigRepo) Seed(ctx domain.Context, defaults domain.RuntimeConfig) error {
	tracer := otel.Tracer("repo.config")
	ctx, span := tracer.Start(ctx, "config.Seed")
	defer span.End()
	now := time.Now().UTC()
	q := `INSERT INTO app_config (` + configColumns + `)
		VALUES (1,$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q,
		domain.ClampQualityThreshold(defaults.QualityThreshold),
		max(defaults.MaxOptimizationLoops, 0),
		max(defaults.MaxAPIRetries, 0),
		max(defaults.StageRetryLimit, 1),
		defaults.WorkerPollSeconds,
		domain.ClampParallelRuns(defaults.MaxParallelRuns),
		defaults.FallbackEnabled,
		defaults.AssistantID,
		defaults.AssistantName,
		domain.NormalizeVisionModel(defaults.VisionModel),
		domain.NormalizeVisionModel(defaults.CritiqueModel),
		domain.NormalizeGenerationModel(defaults.GenerateModel),
		domain.NormalizeVisionModel(defaults.QualityGateModel),
		now, now)
	if err != nil {
		return fmt.Errorf("op=config.seed: %w", err)
	}
	return nil
}
