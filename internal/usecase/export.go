package usecase

import (
	"archive/zip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/shaycohen-verbali/Image-generation/internal/domain"
	"github.com/shaycohen-verbali/Image-generation/internal/storage"
	"github.com/shaycohen-verbali/Image-generation/pkg/jsonx"
)

// Exporter assembles export bundles: export.csv, two image zips (white
// background winners and last with-background attempts), and manifest.json.
type Exporter struct {
	Runs      domain.RunRepository
	Artifacts domain.ArtifactRepository
	Exports   domain.ExportRepository
	Store     *storage.Store
}

// NewExporter wires an export service.
func NewExporter(runs domain.RunRepository, artifacts domain.ArtifactRepository, exports domain.ExportRepository, store *storage.Store) *Exporter {
	return &Exporter{Runs: runs, Artifacts: artifacts, Exports: exports, Store: store}
}

var exportCSVHeaders = []string{
	"run_id",
	"entry_id",
	"word",
	"part_of_sentence",
	"category",
	"context",
	"boy_or_girl",
	"batch",
	"status",
	"quality_score",
	"quality_threshold",
	"optimization_attempt",
	"max_optimization_attempts",
	"first_prompt",
	"upgraded_prompt_count",
	"upgraded_prompts_json",
	"with_background_last_image_name",
	"with_background_last_image_path",
	"without_background_last_image_name",
	"without_background_last_image_path",
	"with_background_images_by_attempt_json",
	"without_background_images_by_attempt_json",
	"all_image_names_json",
	"stage_statuses_json",
	"assets_json",
	"error_detail",
}

// CreateExport records an export, assembles its artifacts on disk, and
// returns the final record. Assembly failures land in the record's
// error_detail instead of an error return.
func (e *Exporter) CreateExport(ctx domain.Context, filter domain.ExportFilter) (domain.Export, error) {
	filterJSON, _ := json.Marshal(filter)
	record, err := e.Exports.Create(ctx, string(filterJSON))
	if err != nil {
		return domain.Export{}, err
	}

	exportDir := filepath.Join(e.Store.ExportsRoot(), record.ID)
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return e.Exports.Update(ctx, record.ID, domain.ExportFailed, "", "", "", err.Error())
	}

	csvPath := filepath.Join(exportDir, "export.csv")
	whiteBGZipPath := filepath.Join(exportDir, "images_white_bg.zip")
	withBGZipPath := filepath.Join(exportDir, "images_with_bg_last_attempt.zip")
	manifestPath := filepath.Join(exportDir, "manifest.json")

	assemble := func() error {
		runs, err := e.Runs.ListForExport(ctx, filter)
		if err != nil {
			return err
		}
		details := make([]domain.RunDetails, 0, len(runs))
		for _, rw := range runs {
			d, err := e.Artifacts.RunDetails(ctx, rw.Run.ID)
			if err != nil {
				return err
			}
			details = append(details, d)
		}
		if err := e.writeCSV(csvPath, runs, details); err != nil {
			return err
		}
		if err := writeImageZip(whiteBGZipPath, runs, details, domain.StageStage4WhiteBG); err != nil {
			return err
		}
		if err := writeImageZip(withBGZipPath, runs, details, domain.StageStage3Upgraded); err != nil {
			return err
		}
		manifest := buildManifest(runs, details)
		b, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(manifestPath, b, 0o644)
	}

	if err := assemble(); err != nil {
		slog.Error("export assembly failed", slog.String("export_id", record.ID), slog.Any("error", err))
		return e.Exports.Update(ctx, record.ID, domain.ExportFailed, "", "", "", err.Error())
	}
	return e.Exports.Update(ctx, record.ID, domain.ExportCompleted, csvPath, whiteBGZipPath, manifestPath, "")
}

func assetsByStageAttempt(assets []domain.Asset, stageName string) map[int]domain.Asset {
	out := map[int]domain.Asset{}
	for _, a := range assets {
		if a.StageName == stageName {
			out[a.Attempt] = a
		}
	}
	return out
}

func latestByAttempt(byAttempt map[int]domain.Asset) (domain.Asset, bool) {
	best := -1
	var out domain.Asset
	for attempt, a := range byAttempt {
		if attempt > best {
			best = attempt
			out = a
		}
	}
	return out, best >= 0
}

func attemptImageList(byAttempt map[int]domain.Asset) []map[string]any {
	attempts := make([]int, 0, len(byAttempt))
	for attempt := range byAttempt {
		attempts = append(attempts, attempt)
	}
	sort.Ints(attempts)
	out := make([]map[string]any, 0, len(attempts))
	for _, attempt := range attempts {
		a := byAttempt[attempt]
		out = append(out, map[string]any{
			"attempt":   attempt,
			"file_name": a.FileName,
			"abs_path":  a.AbsPath,
		})
	}
	return out
}

func marshalList(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func (e *Exporter) writeCSV(path string, runs []domain.RunWithEntry, details []domain.RunDetails) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("op=export.csv: %w", err)
	}
	defer func() { _ = f.Close() }()
	w := csv.NewWriter(f)
	if err := w.Write(exportCSVHeaders); err != nil {
		return fmt.Errorf("op=export.csv: %w", err)
	}

	for i, rw := range runs {
		run, entry := rw.Run, rw.Entry
		d := details[i]

		firstPrompt := ""
		var upgradedPrompts []map[string]any
		for _, prompt := range d.Prompts {
			if prompt.StageName == domain.StageStage1 && firstPrompt == "" {
				firstPrompt = prompt.PromptText
			}
			if prompt.StageName == domain.StageStage3 {
				upgradedPrompts = append(upgradedPrompts, map[string]any{
					"stage":        prompt.StageName,
					"attempt":      prompt.Attempt,
					"prompt_text":  prompt.PromptText,
					"needs_person": prompt.NeedsPerson,
					"source":       prompt.Source,
				})
			}
		}

		var stageStatuses []map[string]any
		for _, stage := range d.Stages {
			stageStatuses = append(stageStatuses, map[string]any{
				"stage_name":   stage.StageName,
				"attempt":      stage.Attempt,
				"status":       stage.Status,
				"error_detail": stage.ErrorDetail,
			})
		}

		stage3ByAttempt := assetsByStageAttempt(d.Assets, domain.StageStage3Upgraded)
		stage4ByAttempt := assetsByStageAttempt(d.Assets, domain.StageStage4WhiteBG)
		lastStage3, hasStage3 := latestByAttempt(stage3ByAttempt)
		lastStage4, hasStage4 := latestByAttempt(stage4ByAttempt)

		var allImageNames []string
		var assetsExport []map[string]any
		for _, a := range d.Assets {
			allImageNames = append(allImageNames, a.FileName)
			assetsExport = append(assetsExport, map[string]any{
				"asset_id":   a.ID,
				"stage_name": a.StageName,
				"attempt":    a.Attempt,
				"abs_path":   a.AbsPath,
				"model_name": a.ModelName,
			})
		}

		qualityScore := ""
		if run.QualityScore != nil {
			qualityScore = strconv.FormatFloat(*run.QualityScore, 'f', -1, 64)
		}
		row := []string{
			run.ID,
			entry.ID,
			entry.Word,
			entry.PartOfSentence,
			entry.Category,
			entry.Context,
			entry.BoyOrGirl,
			entry.Batch,
			string(run.Status),
			qualityScore,
			strconv.Itoa(run.QualityThreshold),
			strconv.Itoa(run.OptimizationAttempt),
			strconv.Itoa(run.MaxOptimizationAttempts),
			firstPrompt,
			strconv.Itoa(len(upgradedPrompts)),
			marshalList(upgradedPrompts),
			fileNameOrEmpty(lastStage3, hasStage3),
			absPathOrEmpty(lastStage3, hasStage3),
			fileNameOrEmpty(lastStage4, hasStage4),
			absPathOrEmpty(lastStage4, hasStage4),
			marshalList(attemptImageList(stage3ByAttempt)),
			marshalList(attemptImageList(stage4ByAttempt)),
			marshalList(allImageNames),
			marshalList(stageStatuses),
			marshalList(assetsExport),
			run.ErrorDetail,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("op=export.csv: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func fileNameOrEmpty(a domain.Asset, ok bool) string {
	if !ok {
		return ""
	}
	return a.FileName
}

func absPathOrEmpty(a domain.Asset, ok bool) string {
	if !ok {
		return ""
	}
	return a.AbsPath
}

// writeImageZip adds the latest-attempt asset of one stage per run, stored
// as <run_id>/<file_name>. Missing files are skipped, not fatal.
func writeImageZip(path string, runs []domain.RunWithEntry, details []domain.RunDetails, stageName string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("op=export.zip: %w", err)
	}
	defer func() { _ = f.Close() }()
	archive := zip.NewWriter(f)

	for i, rw := range runs {
		byAttempt := assetsByStageAttempt(details[i].Assets, stageName)
		selected, ok := latestByAttempt(byAttempt)
		if !ok {
			continue
		}
		src, err := os.Open(selected.AbsPath)
		if err != nil {
			continue
		}
		entryWriter, err := archive.Create(rw.Run.ID + "/" + filepath.Base(selected.AbsPath))
		if err != nil {
			_ = src.Close()
			return fmt.Errorf("op=export.zip: %w", err)
		}
		if _, err := io.Copy(entryWriter, src); err != nil {
			_ = src.Close()
			return fmt.Errorf("op=export.zip: %w", err)
		}
		_ = src.Close()
	}
	if err := archive.Close(); err != nil {
		return fmt.Errorf("op=export.zip: %w", err)
	}
	return nil
}

func buildManifest(runs []domain.RunWithEntry, details []domain.RunDetails) map[string]any {
	records := make([]map[string]any, 0, len(runs))
	for i, rw := range runs {
		run, entry := rw.Run, rw.Entry
		d := details[i]

		stages := make([]map[string]any, 0, len(d.Stages))
		for _, stage := range d.Stages {
			stages = append(stages, map[string]any{
				"stage_name":    stage.StageName,
				"attempt":       stage.Attempt,
				"status":        stage.Status,
				"request_json":  jsonx.UnmarshalObject(stage.RequestJSON),
				"response_json": jsonx.UnmarshalObject(stage.ResponseJSON),
				"error_detail":  stage.ErrorDetail,
			})
		}
		prompts := make([]map[string]any, 0, len(d.Prompts))
		for _, prompt := range d.Prompts {
			prompts = append(prompts, map[string]any{
				"stage_name":        prompt.StageName,
				"attempt":           prompt.Attempt,
				"prompt_text":       prompt.PromptText,
				"needs_person":      prompt.NeedsPerson,
				"source":            prompt.Source,
				"raw_response_json": jsonx.UnmarshalObject(prompt.RawResponseJSON),
			})
		}
		assets := make([]map[string]any, 0, len(d.Assets))
		for _, a := range d.Assets {
			assets = append(assets, map[string]any{
				"asset_id":   a.ID,
				"stage_name": a.StageName,
				"attempt":    a.Attempt,
				"file_name":  a.FileName,
				"abs_path":   a.AbsPath,
				"mime_type":  a.MIMEType,
				"sha256":     a.SHA256,
				"width":      a.Width,
				"height":     a.Height,
				"origin_url": a.OriginURL,
				"model_name": a.ModelName,
			})
		}
		scores := make([]map[string]any, 0, len(d.Scores))
		for _, s := range d.Scores {
			scores = append(scores, map[string]any{
				"stage_name":  s.StageName,
				"attempt":     s.Attempt,
				"score_0_100": s.Score0100,
				"pass_fail":   s.PassFail,
				"rubric_json": jsonx.UnmarshalObject(s.RubricJSON),
			})
		}

		records = append(records, map[string]any{
			"run": map[string]any{
				"id":                        run.ID,
				"status":                    run.Status,
				"quality_score":             run.QualityScore,
				"quality_threshold":         run.QualityThreshold,
				"optimization_attempt":      run.OptimizationAttempt,
				"max_optimization_attempts": run.MaxOptimizationAttempts,
				"error_detail":              run.ErrorDetail,
			},
			"entry": map[string]any{
				"id":               entry.ID,
				"word":             entry.Word,
				"part_of_sentence": entry.PartOfSentence,
				"category":         entry.Category,
				"context":          entry.Context,
				"boy_or_girl":      entry.BoyOrGirl,
				"batch":            entry.Batch,
			},
			"stages":  stages,
			"prompts": prompts,
			"assets":  assets,
			"scores":  scores,
		})
	}

	return map[string]any{
		"schema_version": "v1",
		"artifacts": map[string]any{
			"csv":          "export.csv",
			"white_bg_zip": "images_white_bg.zip",
			"with_bg_zip":  "images_with_bg_last_attempt.zip",
			"manifest":     "manifest.json",
		},
		"records": records,
	}
}
