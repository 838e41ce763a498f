package usecase

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaycohen-verbali/Image-generation/internal/domain"
	"github.com/shaycohen-verbali/Image-generation/internal/storage"
)

func zipNames(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names
}

func TestCreateExportAssemblesBundle(t *testing.T) {
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	runs := newFakeRuns()
	artifacts := newFakeArtifacts()
	exports := newFakeExports()
	exporter := NewExporter(runs, artifacts, exports, store)
	ctx := context.Background()

	entry := domain.Entry{
		ID:             "ent_1",
		Word:           "apple",
		PartOfSentence: "noun",
		Category:       "food",
		Context:        "snack time",
		BoyOrGirl:      "boy",
		Batch:          "batch-1",
	}
	score := 96.5
	run := domain.Run{
		ID:                      "run_1",
		EntryID:                 entry.ID,
		Status:                  domain.RunCompletedPass,
		CurrentStage:            domain.StageCompleted,
		QualityScore:            &score,
		QualityThreshold:        95,
		OptimizationAttempt:     2,
		MaxOptimizationAttempts: 2,
	}
	runs.exportRows = []domain.RunWithEntry{{Run: run, Entry: entry}}

	// Real files on disk; the zips must contain the latest attempt of each stage.
	s3a1, err := store.WriteImage(run.ID, "stage3_upgraded_apple_attempt_1.jpg", []byte("s3-1"))
	require.NoError(t, err)
	s3a2, err := store.WriteImage(run.ID, "stage3_upgraded_apple_attempt_2.jpg", []byte("s3-2"))
	require.NoError(t, err)
	s4a2, err := store.WriteImage(run.ID, "stage4_white_bg_apple_attempt_2.jpg", []byte("s4-2"))
	require.NoError(t, err)

	_, err = artifacts.AddPrompt(ctx, domain.Prompt{RunID: run.ID, StageName: domain.StageStage1, PromptText: "first prompt text", NeedsPerson: "no", Source: "assistant"})
	require.NoError(t, err)
	_, err = artifacts.AddPrompt(ctx, domain.Prompt{RunID: run.ID, StageName: domain.StageStage3, Attempt: 1, PromptText: "upgraded 1", Source: "assistant"})
	require.NoError(t, err)
	_, err = artifacts.AddPrompt(ctx, domain.Prompt{RunID: run.ID, StageName: domain.StageStage3, Attempt: 2, PromptText: "upgraded 2", Source: "assistant"})
	require.NoError(t, err)
	for _, a := range []domain.Asset{
		{RunID: run.ID, StageName: domain.StageStage3Upgraded, Attempt: 1, FileName: "stage3_upgraded_apple_attempt_1.jpg", AbsPath: s3a1},
		{RunID: run.ID, StageName: domain.StageStage3Upgraded, Attempt: 2, FileName: "stage3_upgraded_apple_attempt_2.jpg", AbsPath: s3a2},
		{RunID: run.ID, StageName: domain.StageStage4WhiteBG, Attempt: 2, FileName: "stage4_white_bg_apple_attempt_2.jpg", AbsPath: s4a2},
	} {
		_, err = artifacts.AddAsset(ctx, a)
		require.NoError(t, err)
	}

	export, err := exporter.CreateExport(ctx, domain.ExportFilter{RunIDs: []string{run.ID}})
	require.NoError(t, err)
	assert.Equal(t, domain.ExportCompleted, export.Status)
	assert.Empty(t, export.ErrorDetail)

	// CSV: exact header set and the single data row.
	f, err := os.Open(export.CSVPath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, exportCSVHeaders, rows[0])

	byHeader := map[string]string{}
	for i, h := range rows[0] {
		byHeader[h] = rows[1][i]
	}
	assert.Equal(t, "run_1", byHeader["run_id"])
	assert.Equal(t, "apple", byHeader["word"])
	assert.Equal(t, "96.5", byHeader["quality_score"])
	assert.Equal(t, "first prompt text", byHeader["first_prompt"])
	assert.Equal(t, "2", byHeader["upgraded_prompt_count"])
	assert.Equal(t, "stage3_upgraded_apple_attempt_2.jpg", byHeader["with_background_last_image_name"])
	assert.Equal(t, "stage4_white_bg_apple_attempt_2.jpg", byHeader["without_background_last_image_name"])

	// Zips: latest attempt per stage, arcname keyed by run id.
	assert.Equal(t, []string{"run_1/stage4_white_bg_apple_attempt_2.jpg"}, zipNames(t, export.ZipPath))
	withBGZip := filepath.Join(filepath.Dir(export.CSVPath), "images_with_bg_last_attempt.zip")
	assert.Equal(t, []string{"run_1/stage3_upgraded_apple_attempt_2.jpg"}, zipNames(t, withBGZip))

	// Manifest: versioned schema plus full records.
	raw, err := os.ReadFile(export.ManifestPath)
	require.NoError(t, err)
	var manifest map[string]any
	require.NoError(t, json.Unmarshal(raw, &manifest))
	assert.Equal(t, "v1", manifest["schema_version"])
	records, ok := manifest["records"].([]any)
	require.True(t, ok)
	require.Len(t, records, 1)
}

func TestCreateExportMissingImageFilesAreSkipped(t *testing.T) {
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	runs := newFakeRuns()
	artifacts := newFakeArtifacts()
	exports := newFakeExports()
	exporter := NewExporter(runs, artifacts, exports, store)
	ctx := context.Background()

	run := domain.Run{ID: "run_gone", EntryID: "ent_gone", Status: domain.RunCompletedPass, QualityThreshold: 95}
	runs.exportRows = []domain.RunWithEntry{{Run: run, Entry: domain.Entry{ID: "ent_gone", Word: "gone"}}}
	_, err = artifacts.AddAsset(ctx, domain.Asset{
		RunID:     run.ID,
		StageName: domain.StageStage4WhiteBG,
		Attempt:   1,
		FileName:  "stage4_white_bg_gone_attempt_1.jpg",
		AbsPath:   "/nonexistent/stage4_white_bg_gone_attempt_1.jpg",
	})
	require.NoError(t, err)

	export, err := exporter.CreateExport(ctx, domain.ExportFilter{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExportCompleted, export.Status)
	assert.Empty(t, zipNames(t, export.ZipPath), "missing source files are skipped, not fatal")
}

func TestCreateExportEmptyFilterMatchesEverything(t *testing.T) {
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	runs := newFakeRuns()
	runs.exportRows = []domain.RunWithEntry{
		{Run: domain.Run{ID: "run_a", QualityThreshold: 95}, Entry: domain.Entry{ID: "ent_a", Word: "a"}},
		{Run: domain.Run{ID: "run_b", QualityThreshold: 95}, Entry: domain.Entry{ID: "ent_b", Word: "b"}},
	}
	exporter := NewExporter(runs, newFakeArtifacts(), newFakeExports(), store)

	export, err := exporter.CreateExport(context.Background(), domain.ExportFilter{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExportCompleted, export.Status)

	f, err := os.Open(export.CSVPath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3, "header plus one row per run")
}
