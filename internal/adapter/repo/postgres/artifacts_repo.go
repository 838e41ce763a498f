package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/shaycohen-verbali/Image-generation/internal/domain"
)

// ArtifactRepo persists stage results, prompts, assets, and scores.
type ArtifactRepo struct{ Pool PgxPool }

// NewArtifactRepo constructs an ArtifactRepo with the given pool.
func NewArtifactRepo(p PgxPool) *ArtifactRepo { return &ArtifactRepo{Pool: p} }

const stageResultColumns = `id, run_id, stage_name, attempt, status, idempotency_key, request_json, response_json, error_detail, created_at`
const promptColumns = `id, run_id, stage_name, attempt, prompt_text, needs_person, source, raw_response_json, created_at`
const assetColumns = `id, run_id, stage_name, attempt, file_name, abs_path, mime_type, sha256, width, height, origin_url, model_name, created_at`
const scoreColumns = `id, run_id, stage_name, attempt, score_0100, pass_fail, rubric_json, created_at`

// UpsertStageResult inserts or replaces the record for
// (run_id, stage_name, attempt); re-executing a stage overwrites its status
// and payloads rather than duplicating the row.
func (r *ArtifactRepo) UpsertStageResult(ctx domain.Context, sr domain.StageResult) (domain.StageResult, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.UpsertStageResult")
	defer span.End()
	if sr.ID == "" {
		sr.ID = domain.NewID("sr")
	}
	if sr.IdempotencyKey == "" {
		sr.IdempotencyKey = domain.StageIdempotencyKey(sr.RunID, sr.StageName, sr.Attempt)
	}
	if sr.RequestJSON == "" {
		sr.RequestJSON = "{}"
	}
	if sr.ResponseJSON == "" {
		sr.ResponseJSON = "{}"
	}
	q := `INSERT INTO stage_results (` + stageResultColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (run_id, stage_name, attempt) DO UPDATE SET
			status = EXCLUDED.status,
			request_json = EXCLUDED.request_json,
			response_json = EXCLUDED.response_json,
			error_detail = EXCLUDED.error_detail
		RETURNING ` + stageResultColumns
	row := r.Pool.QueryRow(ctx, q, sr.ID, sr.RunID, sr.StageName, sr.Attempt, sr.Status, sr.IdempotencyKey, sr.RequestJSON, sr.ResponseJSON, sr.ErrorDetail, time.Now().UTC())
	var out domain.StageResult
	if err := row.Scan(&out.ID, &out.RunID, &out.StageName, &out.Attempt, &out.Status, &out.IdempotencyKey, &out.RequestJSON, &out.ResponseJSON, &out.ErrorDetail, &out.CreatedAt); err != nil {
		return domain.StageResult{}, fmt.Errorf("op=artifact.upsert_stage_result: %w", err)
	}
	return out, nil
}

// AddPrompt appends a prompt record.
func (r *ArtifactRepo) AddPrompt(ctx domain.Context, p domain.Prompt) (domain.Prompt, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.AddPrompt")
	defer span.End()
	if p.ID == "" {
		p.ID = domain.NewID("prm")
	}
	if p.NeedsPerson == "" {
		p.NeedsPerson = "no"
	}
	if p.RawResponseJSON == "" {
		p.RawResponseJSON = "{}"
	}
	p.CreatedAt = time.Now().UTC()
	q := `INSERT INTO prompts (` + promptColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, p.ID, p.RunID, p.StageName, p.Attempt, p.PromptText, p.NeedsPerson, p.Source, p.RawResponseJSON, p.CreatedAt)
	if err != nil {
		return domain.Prompt{}, fmt.Errorf("op=artifact.add_prompt: %w", err)
	}
	return p, nil
}

// AddAsset appends an asset record.
func (r *ArtifactRepo) AddAsset(ctx domain.Context, a domain.Asset) (domain.Asset, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.AddAsset")
	defer span.End()
	if a.ID == "" {
		a.ID = domain.NewID("ast")
	}
	a.CreatedAt = time.Now().UTC()
	q := `INSERT INTO assets (` + assetColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := r.Pool.Exec(ctx, q, a.ID, a.RunID, a.StageName, a.Attempt, a.FileName, a.AbsPath, a.MIMEType, a.SHA256, a.Width, a.Height, a.OriginURL, a.ModelName, a.CreatedAt)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("op=artifact.add_asset: %w", err)
	}
	return a, nil
}

// AddScore appends a quality-gate verdict.
func (r *ArtifactRepo) AddScore(ctx domain.Context, s domain.Score) (domain.Score, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.AddScore")
	defer span.End()
	if s.ID == "" {
		s.ID = domain.NewID("scr")
	}
	if s.RubricJSON == "" {
		s.RubricJSON = "{}"
	}
	s.CreatedAt = time.Now().UTC()
	q := `INSERT INTO scores (` + scoreColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, s.ID, s.RunID, s.StageName, s.Attempt, s.Score0100, s.PassFail, s.RubricJSON, s.CreatedAt)
	if err != nil {
		return domain.Score{}, fmt.Errorf("op=artifact.add_score: %w", err)
	}
	return s, nil
}

func (r *ArtifactRepo) latestPromptRow(ctx domain.Context, q string, args ...any) (*domain.Prompt, error) {
	var p domain.Prompt
	err := r.Pool.QueryRow(ctx, q, args...).Scan(&p.ID, &p.RunID, &p.StageName, &p.Attempt, &p.PromptText, &p.NeedsPerson, &p.Source, &p.RawResponseJSON, &p.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// LatestPrompt returns the most recent prompt for a run and stage, or nil.
func (r *ArtifactRepo) LatestPrompt(ctx domain.Context, runID, stageName string) (*domain.Prompt, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.LatestPrompt")
	defer span.End()
	q := `SELECT ` + promptColumns + ` FROM prompts WHERE run_id=$1 AND stage_name=$2 ORDER BY created_at DESC, attempt DESC LIMIT 1`
	p, err := r.latestPromptRow(ctx, q, runID, stageName)
	if err != nil {
		return nil, fmt.Errorf("op=artifact.latest_prompt: %w", err)
	}
	return p, nil
}

func scanAsset(row pgx.Row) (domain.Asset, error) {
	var a domain.Asset
	err := row.Scan(&a.ID, &a.RunID, &a.StageName, &a.Attempt, &a.FileName, &a.AbsPath, &a.MIMEType, &a.SHA256, &a.Width, &a.Height, &a.OriginURL, &a.ModelName, &a.CreatedAt)
	return a, err
}

// LatestAsset returns the most recent asset for a run and stage, or nil.
func (r *ArtifactRepo) LatestAsset(ctx domain.Context, runID, stageName string) (*domain.Asset, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.LatestAsset")
	defer span.End()
	q := `SELECT ` + assetColumns + ` FROM assets WHERE run_id=$1 AND stage_name=$2 ORDER BY created_at DESC, attempt DESC LIMIT 1`
	a, err := scanAsset(r.Pool.QueryRow(ctx, q, runID, stageName))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=artifact.latest_asset: %w", err)
	}
	return &a, nil
}

// AssetForAttempt returns the asset recorded for one optimization attempt,
// or nil when the attempt produced none.
func (r *ArtifactRepo) AssetForAttempt(ctx domain.Context, runID, stageName string, attempt int) (*domain.Asset, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.AssetForAttempt")
	defer span.End()
	q := `SELECT ` + assetColumns + ` FROM assets WHERE run_id=$1 AND stage_name=$2 AND attempt=$3 ORDER BY created_at DESC LIMIT 1`
	a, err := scanAsset(r.Pool.QueryRow(ctx, q, runID, stageName, attempt))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=artifact.asset_for_attempt: %w", err)
	}
	return &a, nil
}

// GetAsset loads an asset by id.
func (r *ArtifactRepo) GetAsset(ctx domain.Context, id string) (domain.Asset, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.GetAsset")
	defer span.End()
	q := `SELECT ` + assetColumns + ` FROM assets WHERE id=$1`
	a, err := scanAsset(r.Pool.QueryRow(ctx, q, id))
	if err == pgx.ErrNoRows {
		return domain.Asset{}, fmt.Errorf("op=artifact.get_asset: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Asset{}, fmt.Errorf("op=artifact.get_asset: %w", err)
	}
	return a, nil
}

// RunDetails aggregates every artifact of a run in creation order.
func (r *ArtifactRepo) RunDetails(ctx domain.Context, runID string) (domain.RunDetails, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.RunDetails")
	defer span.End()
	var details domain.RunDetails

	run, err := scanRun(r.Pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id=$1`, runID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.RunDetails{}, fmt.Errorf("op=artifact.run_details: %w", domain.ErrNotFound)
		}
		return domain.RunDetails{}, fmt.Errorf("op=artifact.run_details: %w", err)
	}
	details.Run = run

	srRows, err := r.Pool.Query(ctx, `SELECT `+stageResultColumns+` FROM stage_results WHERE run_id=$1 ORDER BY created_at ASC, attempt ASC`, runID)
	if err != nil {
		return domain.RunDetails{}, fmt.Errorf("op=artifact.run_details: %w", err)
	}
	defer srRows.Close()
	for srRows.Next() {
		var sr domain.StageResult
		if err := srRows.Scan(&sr.ID, &sr.RunID, &sr.StageName, &sr.Attempt, &sr.Status, &sr.IdempotencyKey, &sr.RequestJSON, &sr.ResponseJSON, &sr.ErrorDetail, &sr.CreatedAt); err != nil {
			return domain.RunDetails{}, fmt.Errorf("op=artifact.run_details: %w", err)
		}
		details.Stages = append(details.Stages, sr)
	}
	srRows.Close()

	pRows, err := r.Pool.Query(ctx, `SELECT `+promptColumns+` FROM prompts WHERE run_id=$1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return domain.RunDetails{}, fmt.Errorf("op=artifact.run_details: %w", err)
	}
	defer pRows.Close()
	for pRows.Next() {
		var p domain.Prompt
		if err := pRows.Scan(&p.ID, &p.RunID, &p.StageName, &p.Attempt, &p.PromptText, &p.NeedsPerson, &p.Source, &p.RawResponseJSON, &p.CreatedAt); err != nil {
			return domain.RunDetails{}, fmt.Errorf("op=artifact.run_details: %w", err)
		}
		details.Prompts = append(details.Prompts, p)
	}
	pRows.Close()

	aRows, err := r.Pool.Query(ctx, `SELECT `+assetColumns+` FROM assets WHERE run_id=$1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return domain.RunDetails{}, fmt.Errorf("op=artifact.run_details: %w", err)
	}
	defer aRows.Close()
	for aRows.Next() {
		a, err := scanAsset(aRows)
		if err != nil {
			return domain.RunDetails{}, fmt.Errorf("op=artifact.run_details: %w", err)
		}
		details.Assets = append(details.Assets, a)
	}
	aRows.Close()

	sRows, err := r.Pool.Query(ctx, `SELECT `+scoreColumns+` FROM scores WHERE run_id=$1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return domain.RunDetails{}, fmt.Errorf("op=artifact.run_details: %w", err)
	}
	defer sRows.Close()
	for sRows.Next() {
		var s domain.Score
		if err := sRows.Scan(&s.ID, &s.RunID, &s.StageName, &s.Attempt, &s.Score0100, &s.PassFail, &s.RubricJSON, &s.CreatedAt); err != nil {
			return domain.RunDetails{}, fmt.Errorf("op=artifact.run_details: %w", err)
		}
		details.Scores = append(details.Scores, s)
	}
	if err := sRows.Err(); err != nil {
		return domain.RunDetails{}, fmt.Errorf("op=artifact.run_details: %w", err)
	}
	return details, nil
}

// ListAssets returns every asset, oldest first. Used by maintenance for the
// disk integrity report.
func (r *ArtifactRepo) ListAssets(ctx domain.Context) ([]domain.Asset, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.ListAssets")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("op=artifact.list_assets: %w", err)
	}
	defer rows.Close()
	var out []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("op=artifact.list_assets: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=artifact.list_assets: %w", err)
	}
	return out, nil
}
