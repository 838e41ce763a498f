package domain

// Repositories (ports). Implemented by internal/adapter/repo/postgres and by
// in-memory fakes in tests.

// EntryInput carries the fields accepted when creating an entry.
type EntryInput struct {
	Word           string
	PartOfSentence string
	Category       string
	Context        string
	BoyOrGirl      string
	Batch          string
}

// EntryFilter narrows entry listings.
type EntryFilter struct {
	Word           string
	PartOfSentence string
	Category       string
	Batch          string
	Status         string
	MinScore       *float64
	MaxScore       *float64
}

// RunFilter narrows run listings.
type RunFilter struct {
	Status   string
	EntryID  string
	MinScore *float64
	MaxScore *float64
}

// ExportFilter selects runs for export assembly.
type ExportFilter struct {
	EntryIDs []string `json:"entry_ids,omitempty"`
	RunIDs   []string `json:"run_ids,omitempty"`
	Statuses []string `json:"status,omitempty"`
	MinScore *float64 `json:"min_score,omitempty"`
	MaxScore *float64 `json:"max_score,omitempty"`
}

// RunUpdate is a partial update; nil fields are left untouched.
type RunUpdate struct {
	Status              *RunStatus
	CurrentStage        *string
	RetryFromStage      *string
	QualityScore        *float64
	OptimizationAttempt *int
	TechnicalRetryCount *int
	ReviewWarning       *bool
	ReviewWarningReason *string
	ErrorDetail         *string
}

// RuntimeConfigUpdate is a partial update of the singleton config row.
type RuntimeConfigUpdate struct {
	QualityThreshold     *int
	MaxOptimizationLoops *int
	MaxAPIRetries        *int
	StageRetryLimit      *int
	WorkerPollSeconds    *float64
	MaxParallelRuns      *int
	FallbackEnabled      *bool
	AssistantID          *string
	AssistantName        *string
	VisionModel          *string
	CritiqueModel        *string
	GenerateModel        *string
	QualityGateModel     *string
}

// EntryRepository persists vocabulary entries. Create is idempotent on
// (word, part_of_sentence, category): re-creation returns the existing row.
type EntryRepository interface {
	Create(ctx Context, in EntryInput) (Entry, error)
	Get(ctx Context, id string) (Entry, error)
	List(ctx Context, f EntryFilter) ([]EntryWithLatestRun, error)
}

// RunRepository persists runs and implements the queue-claim protocol.
type RunRepository interface {
	CreateBatch(ctx Context, entryIDs []string, qualityThreshold, maxOptimizationAttempts int) ([]Run, error)
	Get(ctx Context, id string) (Run, error)
	List(ctx Context, f RunFilter) ([]Run, error)
	Update(ctx Context, id string, upd RunUpdate) (Run, error)
	// ClaimNextQueued selects the oldest queued/retry_queued run and moves it
	// to running via a conditional update. Returns nil when nothing is
	// claimable or another worker won the race.
	ClaimNextQueued(ctx Context) (*Run, error)
	// RetryFromLastFailure re-queues a run starting at its most recent
	// failed/error/timeout stage (stage1_prompt when none recorded).
	RetryFromLastFailure(ctx Context, id string) (Run, error)
	ListForExport(ctx Context, f ExportFilter) ([]RunWithEntry, error)
	Count(ctx Context) (int, error)
}

// ArtifactRepository persists per-run artifacts. UpsertStageResult is keyed
// by (run_id, stage_name, attempt); prompts, assets, and scores are
// append-only.
type ArtifactRepository interface {
	UpsertStageResult(ctx Context, sr StageResult) (StageResult, error)
	AddPrompt(ctx Context, p Prompt) (Prompt, error)
	AddAsset(ctx Context, a Asset) (Asset, error)
	AddScore(ctx Context, s Score) (Score, error)
	LatestPrompt(ctx Context, runID, stageName string) (*Prompt, error)
	LatestAsset(ctx Context, runID, stageName string) (*Asset, error)
	AssetForAttempt(ctx Context, runID, stageName string, attempt int) (*Asset, error)
	GetAsset(ctx Context, id string) (Asset, error)
	RunDetails(ctx Context, runID string) (RunDetails, error)
	ListAssets(ctx Context) ([]Asset, error)
}

// ExportRepository persists export records.
type ExportRepository interface {
	Create(ctx Context, filterJSON string) (Export, error)
	Update(ctx Context, id string, status ExportStatus, csvPath, zipPath, manifestPath, errorDetail string) (Export, error)
	Get(ctx Context, id string) (Export, error)
}

// ConfigRepository reads and updates the singleton runtime configuration.
type ConfigRepository interface {
	Get(ctx Context) (RuntimeConfig, error)
	Update(ctx Context, upd RuntimeConfigUpdate) (RuntimeConfig, error)
	Seed(ctx Context, defaults RuntimeConfig) error
}

// AssistantReply is a parsed assistant response plus its raw envelope,
// preserved for audit.
type AssistantReply struct {
	Parsed map[string]any
	Raw    map[string]any
}

// ImageAnalysis is the stage-3 critique result.
type ImageAnalysis struct {
	Challenges      string
	Recommendations string
	Raw             map[string]any
}

// ScoreImageRequest carries the quality-gate inputs.
type ScoreImageRequest struct {
	ImagePath       string
	Word            string
	PartOfSentence  string
	Category        string
	Threshold       int
	Model           string
	AbstractMode    bool
	ContrastSubject string
}

// ImageScore is the quality-gate verdict: a normalized rubric plus the raw
// provider envelope.
type ImageScore struct {
	Rubric map[string]any
	Raw    map[string]any
}

// Score0100 extracts the numeric score, defaulting to 0 on absence.
func (s ImageScore) Score0100() float64 {
	switch v := s.Rubric["score"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// Explanation extracts the rubric explanation, if any.
func (s ImageScore) Explanation() string {
	if v, ok := s.Rubric["explanation"].(string); ok {
		return v
	}
	return ""
}

// PromptAssistant is the narrow contract to the remote prompt/critique/score
// provider (C3).
type PromptAssistant interface {
	ResolveAssistantID(ctx Context, configuredID, configuredName string) (string, error)
	GenerateFirstPrompt(ctx Context, userText, assistantID string) (AssistantReply, error)
	GenerateUpgradedPrompt(ctx Context, userText, assistantID string) (AssistantReply, error)
	AnalyzeImage(ctx Context, imagePath, word, partOfSentence, category, model string) (ImageAnalysis, error)
	ScoreImage(ctx Context, req ScoreImageRequest) (ImageScore, error)
	SetMaxAPIRetries(n int)
}

// Prediction is a terminal image-generation provider response.
type Prediction struct {
	ID     string
	Status string
	Raw    map[string]any
}

// Succeeded reports whether the provider reached the succeeded status.
func (p Prediction) Succeeded() bool { return p.Status == "succeeded" }

// OutputURL extracts the output URL; arrays yield their last element.
func (p Prediction) OutputURL() string {
	switch out := p.Raw["output"].(type) {
	case string:
		return out
	case []any:
		if len(out) == 0 {
			return ""
		}
		if s, ok := out[len(out)-1].(string); ok {
			return s
		}
	}
	return ""
}

// ImageGenerator is the narrow contract to the remote image-generation
// provider (C3).
type ImageGenerator interface {
	GenerateDraft(ctx Context, prompt string) (Prediction, error)
	// GenerateStage3 returns the prediction plus the provider model path the
	// normalized model key resolved to.
	GenerateStage3(ctx Context, modelKey, prompt string) (Prediction, string, error)
	RemoveBackgroundToWhite(ctx Context, imagePath, word string) (Prediction, error)
	Download(ctx Context, url string) ([]byte, error)
	SetMaxAPIRetries(n int)
}
