package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/shaycohen-verbali/Image-generation/internal/config"
	"github.com/shaycohen-verbali/Image-generation/internal/domain"
	"github.com/shaycohen-verbali/Image-generation/internal/storage"
	"github.com/shaycohen-verbali/Image-generation/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Entries   domain.EntryRepository
	Runs      domain.RunRepository
	Artifacts domain.ArtifactRepository
	Config    domain.ConfigRepository
	Exporter  *usecase.Exporter
	Exports   domain.ExportRepository
	Store     *storage.Store
	DBCheck   func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, entries domain.EntryRepository, runs domain.RunRepository, artifacts domain.ArtifactRepository, cfgRepo domain.ConfigRepository, exporter *usecase.Exporter, exports domain.ExportRepository, store *storage.Store, dbCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:       cfg,
		Entries:   entries,
		Runs:      runs,
		Artifacts: artifacts,
		Config:    cfgRepo,
		Exporter:  exporter,
		Exports:   exports,
		Store:     store,
		DBCheck:   dbCheck,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func validationDetails(err error) map[string]string {
	verrs := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			verrs[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	return verrs
}

func parseFloatQuery(r *http.Request, key string) *float64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &v
}

// CreateEntryHandler creates a single vocabulary entry.
func (s *Server) CreateEntryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			Word           string `json:"word" validate:"required"`
			PartOfSentence string `json:"part_of_sentence" validate:"required"`
			Category       string `json:"category"`
			Context        string `json:"context"`
			BoyOrGirl      string `json:"boy_or_girl"`
			Batch          string `json:"batch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		entry, err := s.Entries.Create(r.Context(), domain.EntryInput{
			Word:           req.Word,
			PartOfSentence: req.PartOfSentence,
			Category:       req.Category,
			Context:        req.Context,
			BoyOrGirl:      req.BoyOrGirl,
			Batch:          req.Batch,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, entryView(entry))
	}
}

// ListEntriesHandler lists entries with optional filters, each with its
// latest run.
func (s *Server) ListEntriesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := domain.EntryFilter{
			Word:           q.Get("word"),
			PartOfSentence: q.Get("part_of_sentence"),
			Category:       q.Get("category"),
			Batch:          q.Get("batch"),
			Status:         q.Get("status"),
			MinScore:       parseFloatQuery(r, "min_score"),
			MaxScore:       parseFloatQuery(r, "max_score"),
		}
		items, err := s.Entries.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(items))
		for _, it := range items {
			v := entryView(it.Entry)
			if it.LatestRun != nil {
				v["latest_run"] = runView(*it.LatestRun)
			} else {
				v["latest_run"] = nil
			}
			out = append(out, v)
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": out})
	}
}

// ImportCSVHandler ingests a CSV of entries, one row per entry. Accepts
// multipart form field "file" or a raw text/csv body.
func (s *Server) ImportCSVHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		maxBytes := s.Cfg.MaxUploadMB * 1024 * 1024
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		var content []byte
		if strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			if err := r.ParseMultipartForm(maxBytes); err != nil {
				writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
				return
			}
			file, _, err := r.FormFile("file")
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: file field required", domain.ErrInvalidArgument), map[string]string{"field": "file"})
				return
			}
			defer func() { _ = file.Close() }()
			content, err = io.ReadAll(file)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: read: %v", domain.ErrInvalidArgument, err), nil)
				return
			}
		} else {
			var err error
			content, err = io.ReadAll(r.Body)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: read: %v", domain.ErrInvalidArgument, err), nil)
				return
			}
		}
		result, err := usecase.ImportEntriesCSV(r.Context(), s.Entries, content)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		created := make([]map[string]any, 0, len(result.Created))
		for _, e := range result.Created {
			created = append(created, entryView(e))
		}
		writeJSON(w, http.StatusOK, map[string]any{"created": created, "skipped": result.Skipped})
	}
}

// CreateRunsHandler enqueues runs for the given entries. Threshold and
// optimization-loop defaults come from the runtime configuration.
func (s *Server) CreateRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			EntryIDs                []string `json:"entry_ids" validate:"required,min=1"`
			QualityThreshold        int      `json:"quality_threshold"`
			MaxOptimizationAttempts int      `json:"max_optimization_attempts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		cfg, err := s.Config.Get(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		threshold := req.QualityThreshold
		if threshold <= 0 {
			threshold = cfg.QualityThreshold
		}
		loops := req.MaxOptimizationAttempts
		if loops <= 0 {
			loops = cfg.MaxOptimizationLoops
		}
		runs, err := s.Runs.CreateBatch(r.Context(), req.EntryIDs, threshold, loops)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(runs))
		for _, run := range runs {
			out = append(out, runView(run))
		}
		writeJSON(w, http.StatusCreated, map[string]any{"runs": out})
	}
}

// ListRunsHandler lists runs with optional filters.
func (s *Server) ListRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		runs, err := s.Runs.List(r.Context(), domain.RunFilter{
			Status:   q.Get("status"),
			EntryID:  q.Get("entry_id"),
			MinScore: parseFloatQuery(r, "min_score"),
			MaxScore: parseFloatQuery(r, "max_score"),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(runs))
		for _, run := range runs {
			out = append(out, runView(run))
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": out})
	}
}

// GetRunHandler returns a run with all of its artifacts.
func (s *Server) GetRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		details, err := s.Artifacts.RunDetails(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, runDetailsView(details))
	}
}

// RetryRunHandler re-queues a terminal run from its last failed stage.
func (s *Server) RetryRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		run, err := s.Runs.RetryFromLastFailure(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, runView(run))
	}
}

// GetAssetHandler returns asset metadata.
func (s *Server) GetAssetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		asset, err := s.Artifacts.GetAsset(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, assetView(asset))
	}
}

// AssetFileHandler streams the asset image bytes. The stored path must stay
// under the runs root so a tampered row cannot read arbitrary files.
func (s *Server) AssetFileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		asset, err := s.Artifacts.GetAsset(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		path, err := containedPath(s.Store.RunsRoot(), asset.AbsPath)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("Content-Type", asset.MIMEType)
		http.ServeFile(w, r, path)
	}
}

// CreateExportHandler assembles CSV, image ZIPs, and a manifest for the
// selected runs.
func (s *Server) CreateExportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var filter domain.ExportFilter
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
				writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
				return
			}
		}
		export, err := s.Exporter.CreateExport(r.Context(), filter)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, exportView(export))
	}
}

// GetExportHandler returns an export record.
func (s *Server) GetExportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		export, err := s.Exports.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, exportView(export))
	}
}

// DownloadExportHandler streams one export artifact: csv, zip, or manifest.
func (s *Server) DownloadExportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		kind := chi.URLParam(r, "kind")
		export, err := s.Exports.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var path, contentType string
		switch kind {
		case "csv":
			path, contentType = export.CSVPath, "text/csv; charset=utf-8"
		case "zip":
			path, contentType = export.ZipPath, "application/zip"
		case "manifest":
			path, contentType = export.ManifestPath, "application/json; charset=utf-8"
		default:
			writeError(w, r, fmt.Errorf("%w: unknown artifact %q", domain.ErrInvalidArgument, kind), nil)
			return
		}
		if path == "" {
			writeError(w, r, fmt.Errorf("%w: artifact not ready", domain.ErrNotFound), nil)
			return
		}
		path, err = containedPath(s.Store.ExportsRoot(), path)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
		http.ServeFile(w, r, path)
	}
}

// GetConfigHandler returns the runtime configuration.
func (s *Server) GetConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := s.Config.Get(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, configView(cfg))
	}
}

// UpdateConfigHandler applies a partial update to the runtime configuration.
func (s *Server) UpdateConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			QualityThreshold     *int     `json:"quality_threshold"`
			MaxOptimizationLoops *int     `json:"max_optimization_loops"`
			MaxAPIRetries        *int     `json:"max_api_retries"`
			StageRetryLimit      *int     `json:"stage_retry_limit"`
			WorkerPollSeconds    *float64 `json:"worker_poll_seconds"`
			MaxParallelRuns      *int     `json:"max_parallel_runs"`
			FallbackEnabled      *bool    `json:"fallback_enabled"`
			AssistantID          *string  `json:"assistant_id"`
			AssistantName        *string  `json:"assistant_name"`
			VisionModel          *string  `json:"vision_model"`
			CritiqueModel        *string  `json:"critique_model"`
			GenerateModel        *string  `json:"generate_model"`
			QualityGateModel     *string  `json:"quality_gate_model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		cfg, err := s.Config.Update(r.Context(), domain.RuntimeConfigUpdate{
			QualityThreshold:     req.QualityThreshold,
			MaxOptimizationLoops: req.MaxOptimizationLoops,
			MaxAPIRetries:        req.MaxAPIRetries,
			StageRetryLimit:      req.StageRetryLimit,
			WorkerPollSeconds:    req.WorkerPollSeconds,
			MaxParallelRuns:      req.MaxParallelRuns,
			FallbackEnabled:      req.FallbackEnabled,
			AssistantID:          req.AssistantID,
			AssistantName:        req.AssistantName,
			VisionModel:          req.VisionModel,
			CritiqueModel:        req.CritiqueModel,
			GenerateModel:        req.GenerateModel,
			QualityGateModel:     req.QualityGateModel,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, configView(cfg))
	}
}

// ReadyzHandler probes the database.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 1)
		ok := true
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
				ok = false
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// containedPath resolves p and rejects anything escaping root.
func containedPath(root, p string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	if abs != absRoot && !strings.HasPrefix(abs, absRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: path outside storage root", domain.ErrInvalidArgument)
	}
	return abs, nil
}

func entryView(e domain.Entry) map[string]any {
	return map[string]any{
		"id":               e.ID,
		"word":             e.Word,
		"part_of_sentence": e.PartOfSentence,
		"category":         e.Category,
		"context":          e.Context,
		"boy_or_girl":      e.BoyOrGirl,
		"batch":            e.Batch,
		"created_at":       e.CreatedAt,
		"updated_at":       e.UpdatedAt,
	}
}

func runView(run domain.Run) map[string]any {
	return map[string]any{
		"id":                        run.ID,
		"entry_id":                  run.EntryID,
		"status":                    string(run.Status),
		"current_stage":             run.CurrentStage,
		"retry_from_stage":          run.RetryFromStage,
		"quality_score":             run.QualityScore,
		"quality_threshold":         run.QualityThreshold,
		"optimization_attempt":      run.OptimizationAttempt,
		"max_optimization_attempts": run.MaxOptimizationAttempts,
		"technical_retry_count":     run.TechnicalRetryCount,
		"review_warning":            run.ReviewWarning,
		"review_warning_reason":     run.ReviewWarningReason,
		"error_detail":              run.ErrorDetail,
		"created_at":                run.CreatedAt,
		"updated_at":                run.UpdatedAt,
	}
}

func assetView(a domain.Asset) map[string]any {
	return map[string]any{
		"id":         a.ID,
		"run_id":     a.RunID,
		"stage_name": a.StageName,
		"attempt":    a.Attempt,
		"file_name":  a.FileName,
		"mime_type":  a.MIMEType,
		"sha256":     a.SHA256,
		"width":      a.Width,
		"height":     a.Height,
		"origin_url": a.OriginURL,
		"model_name": a.ModelName,
		"created_at": a.CreatedAt,
	}
}

func exportView(e domain.Export) map[string]any {
	return map[string]any{
		"id":            e.ID,
		"status":        string(e.Status),
		"filter":        json.RawMessage(orEmptyJSON(e.FilterJSON)),
		"csv_path":      e.CSVPath,
		"zip_path":      e.ZipPath,
		"manifest_path": e.ManifestPath,
		"error_detail":  e.ErrorDetail,
		"created_at":    e.CreatedAt,
		"updated_at":    e.UpdatedAt,
	}
}

func configView(c domain.RuntimeConfig) map[string]any {
	return map[string]any{
		"quality_threshold":      c.QualityThreshold,
		"max_optimization_loops": c.MaxOptimizationLoops,
		"max_api_retries":        c.MaxAPIRetries,
		"stage_retry_limit":      c.StageRetryLimit,
		"worker_poll_seconds":    c.WorkerPollSeconds,
		"max_parallel_runs":      c.MaxParallelRuns,
		"fallback_enabled":       c.FallbackEnabled,
		"assistant_id":           c.AssistantID,
		"assistant_name":         c.AssistantName,
		"vision_model":           c.VisionModel,
		"critique_model":         c.CritiqueModel,
		"generate_model":         c.GenerateModel,
		"quality_gate_model":     c.QualityGateModel,
		"updated_at":             c.UpdatedAt,
	}
}

func runDetailsView(d domain.RunDetails) map[string]any {
	stages := make([]map[string]any, 0, len(d.Stages))
	for _, sr := range d.Stages {
		stages = append(stages, map[string]any{
			"stage_name":   sr.StageName,
			"attempt":      sr.Attempt,
			"status":       sr.Status,
			"request":      json.RawMessage(orEmptyJSON(sr.RequestJSON)),
			"response":     json.RawMessage(orEmptyJSON(sr.ResponseJSON)),
			"error_detail": sr.ErrorDetail,
			"created_at":   sr.CreatedAt,
		})
	}
	prompts := make([]map[string]any, 0, len(d.Prompts))
	for _, p := range d.Prompts {
		prompts = append(prompts, map[string]any{
			"stage_name":   p.StageName,
			"attempt":      p.Attempt,
			"prompt_text":  p.PromptText,
			"needs_person": p.NeedsPerson,
			"source":       p.Source,
			"created_at":   p.CreatedAt,
		})
	}
	assets := make([]map[string]any, 0, len(d.Assets))
	for _, a := range d.Assets {
		assets = append(assets, assetView(a))
	}
	scores := make([]map[string]any, 0, len(d.Scores))
	for _, sc := range d.Scores {
		scores = append(scores, map[string]any{
			"stage_name": sc.StageName,
			"attempt":    sc.Attempt,
			"score":      sc.Score0100,
			"passed":     sc.PassFail,
			"rubric":     json.RawMessage(orEmptyJSON(sc.RubricJSON)),
			"created_at": sc.CreatedAt,
		})
	}
	return map[string]any{
		"run":     runView(d.Run),
		"stages":  stages,
		"prompts": prompts,
		"assets":  assets,
		"scores":  scores,
	}
}

func orEmptyJSON(s string) string {
	if strings.TrimSpace(s) == "" {
		return "{}"
	}
	return s
}
