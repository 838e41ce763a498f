package usecase

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shaycohen-verbali/Image-generation/internal/domain"
)

// In-memory port implementations for pipeline and export tests.

type fakeEntries struct {
	mu      sync.Mutex
	entries map[string]domain.Entry
}

func newFakeEntries() *fakeEntries {
	return &fakeEntries{entries: map[string]domain.Entry{}}
}

func (f *fakeEntries) Create(_ domain.Context, in domain.EntryInput) (domain.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.TrimSpace(in.Word) == "" || strings.TrimSpace(in.PartOfSentence) == "" {
		return domain.Entry{}, fmt.Errorf("%w: word and part_of_sentence required", domain.ErrInvalidArgument)
	}
	id := domain.DeterministicEntryID(in.Word, in.PartOfSentence, in.Category)
	if existing, ok := f.entries[id]; ok {
		return existing, nil
	}
	e := domain.Entry{
		ID:             id,
		Word:           in.Word,
		PartOfSentence: in.PartOfSentence,
		Category:       in.Category,
		Context:        in.Context,
		BoyOrGirl:      in.BoyOrGirl,
		Batch:          in.Batch,
		SourceRowHash:  domain.SourceRowHash(in),
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	f.entries[id] = e
	return e, nil
}

func (f *fakeEntries) Get(_ domain.Context, id string) (domain.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return domain.Entry{}, fmt.Errorf("entry %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

func (f *fakeEntries) List(_ domain.Context, _ domain.EntryFilter) ([]domain.EntryWithLatestRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.EntryWithLatestRun, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, domain.EntryWithLatestRun{Entry: e})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.ID < out[j].Entry.ID })
	return out, nil
}

type fakeRuns struct {
	mu         sync.Mutex
	runs       map[string]domain.Run
	seq        []string
	exportRows []domain.RunWithEntry
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: map[string]domain.Run{}}
}

func (f *fakeRuns) add(run domain.Run) domain.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run.ID == "" {
		run.ID = domain.NewID("run")
	}
	if run.Status == "" {
		run.Status = domain.RunQueued
	}
	if run.CurrentStage == "" {
		run.CurrentStage = domain.StageQueued
	}
	run.CreatedAt = time.Now()
	f.runs[run.ID] = run
	f.seq = append(f.seq, run.ID)
	return run
}

func (f *fakeRuns) CreateBatch(_ domain.Context, entryIDs []string, threshold, maxAttempts int) ([]domain.Run, error) {
	out := make([]domain.Run, 0, len(entryIDs))
	for _, id := range entryIDs {
		out = append(out, f.add(domain.Run{
			EntryID:                 id,
			QualityThreshold:        domain.ClampQualityThreshold(threshold),
			MaxOptimizationAttempts: maxAttempts,
		}))
	}
	return out, nil
}

func (f *fakeRuns) Get(_ domain.Context, id string) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return domain.Run{}, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return run, nil
}

func (f *fakeRuns) List(_ domain.Context, _ domain.RunFilter) ([]domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Run, 0, len(f.seq))
	for _, id := range f.seq {
		out = append(out, f.runs[id])
	}
	return out, nil
}

func (f *fakeRuns) Update(_ domain.Context, id string, upd domain.RunUpdate) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return domain.Run{}, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	if upd.Status != nil {
		run.Status = *upd.Status
	}
	if upd.CurrentStage != nil {
		run.CurrentStage = *upd.CurrentStage
	}
	if upd.RetryFromStage != nil {
		run.RetryFromStage = *upd.RetryFromStage
	}
	if upd.QualityScore != nil {
		run.QualityScore = upd.QualityScore
	}
	if upd.OptimizationAttempt != nil {
		run.OptimizationAttempt = *upd.OptimizationAttempt
	}
	if upd.TechnicalRetryCount != nil {
		run.TechnicalRetryCount = *upd.TechnicalRetryCount
	}
	if upd.ReviewWarning != nil {
		run.ReviewWarning = *upd.ReviewWarning
	}
	if upd.ReviewWarningReason != nil {
		run.ReviewWarningReason = *upd.ReviewWarningReason
	}
	if upd.ErrorDetail != nil {
		run.ErrorDetail = *upd.ErrorDetail
	}
	run.UpdatedAt = time.Now()
	f.runs[id] = run
	return run, nil
}

func (f *fakeRuns) ClaimNextQueued(_ domain.Context) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.seq {
		run := f.runs[id]
		if run.Status == domain.RunQueued || run.Status == domain.RunRetryQueued {
			run.Status = domain.RunRunning
			if run.RetryFromStage != "" {
				run.CurrentStage = run.RetryFromStage
				run.RetryFromStage = ""
			}
			f.runs[id] = run
			return &run, nil
		}
	}
	return nil, nil
}

func (f *fakeRuns) RetryFromLastFailure(_ domain.Context, id string) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return domain.Run{}, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	if !run.Status.Terminal() {
		return domain.Run{}, fmt.Errorf("run %s is not terminal: %w", id, domain.ErrConflict)
	}
	run.Status = domain.RunRetryQueued
	run.RetryFromStage = domain.StageStage1
	run.TechnicalRetryCount++
	run.ErrorDetail = ""
	f.runs[id] = run
	return run, nil
}

func (f *fakeRuns) ListForExport(_ domain.Context, filter domain.ExportFilter) ([]domain.RunWithEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.RunWithEntry, 0, len(f.exportRows))
	for _, row := range f.exportRows {
		if len(filter.RunIDs) > 0 {
			found := false
			for _, id := range filter.RunIDs {
				if id == row.Run.ID {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func (f *fakeRuns) Count(_ domain.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs), nil
}

type fakeArtifacts struct {
	mu      sync.Mutex
	stages  map[string]domain.StageResult
	prompts []domain.Prompt
	assets  []domain.Asset
	scores  []domain.Score
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{stages: map[string]domain.StageResult{}}
}

func (f *fakeArtifacts) UpsertStageResult(_ domain.Context, sr domain.StageResult) (domain.StageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := domain.StageIdempotencyKey(sr.RunID, sr.StageName, sr.Attempt)
	if existing, ok := f.stages[key]; ok {
		sr.ID = existing.ID
		sr.CreatedAt = existing.CreatedAt
	} else {
		sr.ID = domain.NewID("stg")
		sr.CreatedAt = time.Now()
	}
	sr.IdempotencyKey = key
	f.stages[key] = sr
	return sr, nil
}

func (f *fakeArtifacts) AddPrompt(_ domain.Context, p domain.Prompt) (domain.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = domain.NewID("prm")
	p.CreatedAt = time.Now()
	f.prompts = append(f.prompts, p)
	return p, nil
}

func (f *fakeArtifacts) AddAsset(_ domain.Context, a domain.Asset) (domain.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.ID = domain.NewID("ast")
	a.CreatedAt = time.Now()
	f.assets = append(f.assets, a)
	return a, nil
}

func (f *fakeArtifacts) AddScore(_ domain.Context, s domain.Score) (domain.Score, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.ID = domain.NewID("scr")
	s.CreatedAt = time.Now()
	f.scores = append(f.scores, s)
	return s, nil
}

func (f *fakeArtifacts) LatestPrompt(_ domain.Context, runID, stageName string) (*domain.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.prompts) - 1; i >= 0; i-- {
		if f.prompts[i].RunID == runID && f.prompts[i].StageName == stageName {
			p := f.prompts[i]
			return &p, nil
		}
	}
	return nil, nil
}

func (f *fakeArtifacts) LatestAsset(_ domain.Context, runID, stageName string) (*domain.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.assets) - 1; i >= 0; i-- {
		if f.assets[i].RunID == runID && f.assets[i].StageName == stageName {
			a := f.assets[i]
			return &a, nil
		}
	}
	return nil, nil
}

func (f *fakeArtifacts) AssetForAttempt(_ domain.Context, runID, stageName string, attempt int) (*domain.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.assets) - 1; i >= 0; i-- {
		a := f.assets[i]
		if a.RunID == runID && a.StageName == stageName && a.Attempt == attempt {
			return &a, nil
		}
	}
	return nil, nil
}

func (f *fakeArtifacts) GetAsset(_ domain.Context, id string) (domain.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.assets {
		if a.ID == id {
			return a, nil
		}
	}
	return domain.Asset{}, fmt.Errorf("asset %s: %w", id, domain.ErrNotFound)
}

func (f *fakeArtifacts) RunDetails(_ domain.Context, runID string) (domain.RunDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := domain.RunDetails{}
	for _, sr := range f.stages {
		if sr.RunID == runID {
			d.Stages = append(d.Stages, sr)
		}
	}
	sort.Slice(d.Stages, func(i, j int) bool {
		if d.Stages[i].StageName != d.Stages[j].StageName {
			return d.Stages[i].StageName < d.Stages[j].StageName
		}
		return d.Stages[i].Attempt < d.Stages[j].Attempt
	})
	for _, p := range f.prompts {
		if p.RunID == runID {
			d.Prompts = append(d.Prompts, p)
		}
	}
	for _, a := range f.assets {
		if a.RunID == runID {
			d.Assets = append(d.Assets, a)
		}
	}
	for _, s := range f.scores {
		if s.RunID == runID {
			d.Scores = append(d.Scores, s)
		}
	}
	return d, nil
}

func (f *fakeArtifacts) ListAssets(_ domain.Context) ([]domain.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Asset, len(f.assets))
	copy(out, f.assets)
	return out, nil
}

func (f *fakeArtifacts) stageResult(runID, stageName string, attempt int) (domain.StageResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sr, ok := f.stages[domain.StageIdempotencyKey(runID, stageName, attempt)]
	return sr, ok
}

type fakeExports struct {
	mu      sync.Mutex
	records map[string]domain.Export
}

func newFakeExports() *fakeExports {
	return &fakeExports{records: map[string]domain.Export{}}
}

func (f *fakeExports) Create(_ domain.Context, filterJSON string) (domain.Export, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := domain.Export{
		ID:         domain.NewID("exp"),
		FilterJSON: filterJSON,
		Status:     domain.ExportPending,
		CreatedAt:  time.Now(),
	}
	f.records[e.ID] = e
	return e, nil
}

func (f *fakeExports) Update(_ domain.Context, id string, status domain.ExportStatus, csvPath, zipPath, manifestPath, errorDetail string) (domain.Export, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.records[id]
	if !ok {
		return domain.Export{}, fmt.Errorf("export %s: %w", id, domain.ErrNotFound)
	}
	e.Status = status
	e.CSVPath = csvPath
	e.ZipPath = zipPath
	e.ManifestPath = manifestPath
	e.ErrorDetail = errorDetail
	e.UpdatedAt = time.Now()
	f.records[id] = e
	return e, nil
}

func (f *fakeExports) Get(_ domain.Context, id string) (domain.Export, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.records[id]
	if !ok {
		return domain.Export{}, fmt.Errorf("export %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

type fakeConfig struct {
	mu  sync.Mutex
	cfg domain.RuntimeConfig
}

func newFakeConfig() *fakeConfig {
	return &fakeConfig{cfg: domain.RuntimeConfig{
		ID:                   1,
		QualityThreshold:     95,
		MaxOptimizationLoops: 2,
		MaxAPIRetries:        3,
		StageRetryLimit:      2,
		WorkerPollSeconds:    0.01,
		MaxParallelRuns:      3,
		FallbackEnabled:      true,
		AssistantName:        "AAC image prompts",
		VisionModel:          "gpt-4o-mini",
		CritiqueModel:        "gpt-4o-mini",
		GenerateModel:        "flux-1.1-pro",
		QualityGateModel:     "gpt-4o-mini",
	}}
}

func (f *fakeConfig) Get(_ domain.Context) (domain.RuntimeConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg, nil
}

func (f *fakeConfig) Update(_ domain.Context, upd domain.RuntimeConfigUpdate) (domain.RuntimeConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if upd.QualityThreshold != nil {
		f.cfg.QualityThreshold = domain.ClampQualityThreshold(*upd.QualityThreshold)
	}
	if upd.MaxParallelRuns != nil {
		f.cfg.MaxParallelRuns = domain.ClampParallelRuns(*upd.MaxParallelRuns)
	}
	if upd.FallbackEnabled != nil {
		f.cfg.FallbackEnabled = *upd.FallbackEnabled
	}
	if upd.GenerateModel != nil {
		f.cfg.GenerateModel = *upd.GenerateModel
	}
	return f.cfg, nil
}

func (f *fakeConfig) Seed(_ domain.Context, defaults domain.RuntimeConfig) error { return nil }

type scriptedScore struct {
	score  float64
	rubric map[string]any
}

type fakeAssistant struct {
	mu sync.Mutex

	firstPromptReply  map[string]any
	upgradedReplies   []map[string]any
	analysis          domain.ImageAnalysis
	scores            []scriptedScore
	failFirstPrompt   error
	failScore         error
	firstPromptCalls  int
	upgradeCalls      int
	analyzeCalls      int
	scoreCalls        int
	lastUpgradeText   string
	lastScoreRequest  domain.ScoreImageRequest
	configuredRetries int
}

func newFakeAssistant() *fakeAssistant {
	return &fakeAssistant{
		firstPromptReply: map[string]any{"first prompt": "a red apple on a table", "need a person": "no"},
		analysis: domain.ImageAnalysis{
			Challenges:      "low contrast",
			Recommendations: "increase salience",
		},
	}
}

func (f *fakeAssistant) ResolveAssistantID(_ domain.Context, configuredID, _ string) (string, error) {
	if configuredID != "" {
		return configuredID, nil
	}
	return "asst_test", nil
}

func (f *fakeAssistant) GenerateFirstPrompt(_ domain.Context, _, _ string) (domain.AssistantReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.firstPromptCalls++
	if f.failFirstPrompt != nil {
		return domain.AssistantReply{}, f.failFirstPrompt
	}
	return domain.AssistantReply{Parsed: f.firstPromptReply, Raw: map[string]any{"thread_id": "thr_1"}}, nil
}

func (f *fakeAssistant) GenerateUpgradedPrompt(_ domain.Context, userText, _ string) (domain.AssistantReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUpgradeText = userText
	reply := map[string]any{"upgraded prompt": fmt.Sprintf("upgraded prompt %d", f.upgradeCalls+1)}
	if f.upgradeCalls < len(f.upgradedReplies) {
		reply = f.upgradedReplies[f.upgradeCalls]
	}
	f.upgradeCalls++
	return domain.AssistantReply{Parsed: reply, Raw: map[string]any{"thread_id": "thr_2"}}, nil
}

func (f *fakeAssistant) AnalyzeImage(_ domain.Context, _, _, _, _, _ string) (domain.ImageAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzeCalls++
	return f.analysis, nil
}

func (f *fakeAssistant) ScoreImage(_ domain.Context, req domain.ScoreImageRequest) (domain.ImageScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastScoreRequest = req
	if f.failScore != nil {
		return domain.ImageScore{}, f.failScore
	}
	idx := f.scoreCalls
	f.scoreCalls++
	if idx >= len(f.scores) {
		idx = len(f.scores) - 1
	}
	if idx < 0 {
		return domain.ImageScore{Rubric: map[string]any{"score": float64(0)}}, nil
	}
	s := f.scores[idx]
	rubric := map[string]any{"score": s.score}
	for k, v := range s.rubric {
		rubric[k] = v
	}
	return domain.ImageScore{Rubric: rubric, Raw: map[string]any{"model": req.Model}}, nil
}

func (f *fakeAssistant) SetMaxAPIRetries(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configuredRetries = n
}

type stage3Call struct {
	modelKey string
	prompt   string
}

type fakeGenerator struct {
	mu sync.Mutex

	draftPred   domain.Prediction
	stage3Preds []domain.Prediction
	stage4Pred  domain.Prediction
	imageBytes  []byte

	draftCalls  int
	stage3Calls []stage3Call
	stage4Calls int
}

func succeededPrediction(id, url string) domain.Prediction {
	return domain.Prediction{
		ID:     id,
		Status: "succeeded",
		Raw:    map[string]any{"id": id, "status": "succeeded", "output": url},
	}
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		draftPred:  succeededPrediction("pred_draft", "https://img.test/draft.jpg"),
		stage4Pred: succeededPrediction("pred_bg", "https://img.test/white.jpg"),
		imageBytes: []byte("not-a-real-jpeg"),
	}
}

func (f *fakeGenerator) GenerateDraft(_ domain.Context, _ string) (domain.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draftCalls++
	return f.draftPred, nil
}

func (f *fakeGenerator) GenerateStage3(_ domain.Context, modelKey, prompt string) (domain.Prediction, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.stage3Calls)
	f.stage3Calls = append(f.stage3Calls, stage3Call{modelKey: modelKey, prompt: prompt})
	pred := succeededPrediction(fmt.Sprintf("pred_s3_%d", idx+1), fmt.Sprintf("https://img.test/s3_%d.jpg", idx+1))
	if idx < len(f.stage3Preds) {
		pred = f.stage3Preds[idx]
	}
	modelPath := "black-forest-labs/flux-1.1-pro"
	if domain.NormalizeGenerationModel(modelKey) != "flux-1.1-pro" {
		modelPath = "google/imagen-3-fast"
	}
	return pred, modelPath, nil
}

func (f *fakeGenerator) RemoveBackgroundToWhite(_ domain.Context, _, _ string) (domain.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stage4Calls++
	return f.stage4Pred, nil
}

func (f *fakeGenerator) Download(_ domain.Context, _ string) ([]byte, error) {
	return f.imageBytes, nil
}

func (f *fakeGenerator) SetMaxAPIRetries(_ int) {}
