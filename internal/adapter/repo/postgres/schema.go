package postgres

import (
	"context"
	"fmt"
)

// schema is applied on startup. Statements are idempotent so every process
// (server, worker, maintenance) can run them unconditionally.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS entries (
		id               TEXT PRIMARY KEY,
		word             TEXT NOT NULL,
		part_of_sentence TEXT NOT NULL,
		category         TEXT NOT NULL,
		context          TEXT NOT NULL DEFAULT '',
		boy_or_girl      TEXT NOT NULL DEFAULT '',
		batch            TEXT NOT NULL DEFAULT '',
		source_row_hash  TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL,
		CONSTRAINT uq_entries_word_pos_category UNIQUE (word, part_of_sentence, category)
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id                        TEXT PRIMARY KEY,
		entry_id                  TEXT NOT NULL REFERENCES entries(id),
		status                    TEXT NOT NULL,
		current_stage             TEXT NOT NULL,
		retry_from_stage          TEXT NOT NULL DEFAULT '',
		quality_score             DOUBLE PRECISION,
		quality_threshold         INTEGER NOT NULL,
		optimization_attempt      INTEGER NOT NULL DEFAULT 0,
		max_optimization_attempts INTEGER NOT NULL,
		technical_retry_count     INTEGER NOT NULL DEFAULT 0,
		review_warning            BOOLEAN NOT NULL DEFAULT FALSE,
		review_warning_reason     TEXT NOT NULL DEFAULT '',
		error_detail              TEXT NOT NULL DEFAULT '',
		created_at                TIMESTAMPTZ NOT NULL,
		updated_at                TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS stage_results (
		id              TEXT PRIMARY KEY,
		run_id          TEXT NOT NULL REFERENCES runs(id),
		stage_name      TEXT NOT NULL,
		attempt         INTEGER NOT NULL,
		status          TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		request_json    TEXT NOT NULL DEFAULT '{}',
		response_json   TEXT NOT NULL DEFAULT '{}',
		error_detail    TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL,
		CONSTRAINT uq_stage_results_run_stage_attempt UNIQUE (run_id, stage_name, attempt)
	)`,
	`CREATE TABLE IF NOT EXISTS prompts (
		id                TEXT PRIMARY KEY,
		run_id            TEXT NOT NULL REFERENCES runs(id),
		stage_name        TEXT NOT NULL,
		attempt           INTEGER NOT NULL,
		prompt_text       TEXT NOT NULL,
		needs_person      TEXT NOT NULL DEFAULT 'no',
		source            TEXT NOT NULL DEFAULT '',
		raw_response_json TEXT NOT NULL DEFAULT '{}',
		created_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prompts_run_stage ON prompts (run_id, stage_name, created_at)`,
	`CREATE TABLE IF NOT EXISTS assets (
		id         TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL REFERENCES runs(id),
		stage_name TEXT NOT NULL,
		attempt    INTEGER NOT NULL,
		file_name  TEXT NOT NULL,
		abs_path   TEXT NOT NULL,
		mime_type  TEXT NOT NULL DEFAULT '',
		sha256     TEXT NOT NULL DEFAULT '',
		width      INTEGER NOT NULL DEFAULT 0,
		height     INTEGER NOT NULL DEFAULT 0,
		origin_url TEXT NOT NULL DEFAULT '',
		model_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assets_run_stage ON assets (run_id, stage_name, created_at)`,
	`CREATE TABLE IF NOT EXISTS scores (
		id          TEXT PRIMARY KEY,
		run_id      TEXT NOT NULL REFERENCES runs(id),
		stage_name  TEXT NOT NULL,
		attempt     INTEGER NOT NULL,
		score_0100  DOUBLE PRECISION NOT NULL,
		pass_fail   BOOLEAN NOT NULL,
		rubric_json TEXT NOT NULL DEFAULT '{}',
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS exports (
		id            TEXT PRIMARY KEY,
		filter_json   TEXT NOT NULL DEFAULT '{}',
		csv_path      TEXT NOT NULL DEFAULT '',
		zip_path      TEXT NOT NULL DEFAULT '',
		manifest_path TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		error_detail  TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS app_config (
		id                     INTEGER PRIMARY KEY,
		quality_threshold      INTEGER NOT NULL,
		max_optimization_loops INTEGER NOT NULL,
		max_api_retries        INTEGER NOT NULL,
		stage_retry_limit      INTEGER NOT NULL,
		worker_poll_seconds    DOUBLE PRECISION NOT NULL,
		max_parallel_runs      INTEGER NOT NULL,
		fallback_enabled       BOOLEAN NOT NULL,
		assistant_id           TEXT NOT NULL DEFAULT '',
		assistant_name         TEXT NOT NULL DEFAULT '',
		vision_model           TEXT NOT NULL,
		critique_model         TEXT NOT NULL,
		generate_model         TEXT NOT NULL,
		quality_gate_model     TEXT NOT NULL,
		created_at             TIMESTAMPTZ NOT NULL,
		updated_at             TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=schema.migrate: %w", err)
		}
	}
	return nil
}
