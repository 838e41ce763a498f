// Package domain defines the entities, statuses, and ports of the AAC
// concept-image generation pipeline. Adapters (Postgres repositories,
// provider clients, HTTP handlers) depend on this package, never the
// other way around.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrUpstreamFailed  = errors.New("upstream failed")
	ErrRetryExceeded   = errors.New("retry exceeded")
	ErrStageFailed     = errors.New("stage failed")
	ErrInternal        = errors.New("internal error")
)

// RunStatus enumerates the lifecycle states of a Run.
type RunStatus string

const (
	RunQueued              RunStatus = "queued"
	RunRetryQueued         RunStatus = "retry_queued"
	RunRunning             RunStatus = "running"
	RunCompletedPass       RunStatus = "completed_pass"
	RunCompletedFailScore  RunStatus = "completed_fail_threshold"
	RunFailedTechnical     RunStatus = "failed_technical"
)

// Terminal reports whether the status is one of the three terminal states.
func (s RunStatus) Terminal() bool {
	return s == RunCompletedPass || s == RunCompletedFailScore || s == RunFailedTechnical
}

// Stage names. StageStage3Upgraded and StageStage4WhiteBG are asset stage
// tags; the rest double as Run.CurrentStage values.
const (
	StageQueued      = "queued"
	StageStage1      = "stage1_prompt"
	StageStage2      = "stage2_draft"
	StageStage3      = "stage3_upgrade"
	StageStage4      = "stage4_background"
	StageQualityGate = "quality_gate"
	StageCompleted   = "completed"

	StageStage3Upgraded = "stage3_upgraded"
	StageStage4WhiteBG  = "stage4_white_bg"
)

// StageResult statuses.
const (
	StageStatusOK      = "ok"
	StageStatusError   = "error"
	StageStatusFailed  = "failed"
	StageStatusTimeout = "timeout"
)

// Clamping bounds enforced everywhere a threshold or parallelism value is
// accepted (seed, config update, run creation).
const (
	MinQualityThreshold = 95
	MinParallelRuns     = 1
	MaxParallelRuns     = 50
)

// ClampQualityThreshold raises v to the minimum accepted threshold.
func ClampQualityThreshold(v int) int {
	if v < MinQualityThreshold {
		return MinQualityThreshold
	}
	return v
}

// ClampParallelRuns bounds v to [MinParallelRuns, MaxParallelRuns].
func ClampParallelRuns(v int) int {
	if v < MinParallelRuns {
		return MinParallelRuns
	}
	if v > MaxParallelRuns {
		return MaxParallelRuns
	}
	return v
}

// Entry is a vocabulary item driving one or more generation runs.
// (Word, PartOfSentence, Category) is unique; the id is derived from it.
type Entry struct {
	ID             string
	Word           string
	PartOfSentence string
	Category       string
	Context        string
	BoyOrGirl      string
	Batch          string
	SourceRowHash  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Run is one pass of an Entry through the staged pipeline.
type Run struct {
	ID                      string
	EntryID                 string
	Status                  RunStatus
	CurrentStage            string
	RetryFromStage          string
	QualityScore            *float64
	QualityThreshold        int
	OptimizationAttempt     int
	MaxOptimizationAttempts int
	TechnicalRetryCount     int
	ReviewWarning           bool
	ReviewWarningReason     string
	ErrorDetail             string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// StageResult is the upsert log of stage executions, keyed by
// (RunID, StageName, Attempt). Last writer wins on status and payloads.
type StageResult struct {
	ID             string
	RunID          string
	StageName      string
	Attempt        int
	Status         string
	IdempotencyKey string
	RequestJSON    string
	ResponseJSON   string
	ErrorDetail    string
	CreatedAt      time.Time
}

// Prompt is an append-only record of a generated image prompt.
type Prompt struct {
	ID              string
	RunID           string
	StageName       string
	Attempt         int
	PromptText      string
	NeedsPerson     string
	Source          string
	RawResponseJSON string
	CreatedAt       time.Time
}

// Asset is an append-only record of an image file on local storage.
type Asset struct {
	ID        string
	RunID     string
	StageName string
	Attempt   int
	FileName  string
	AbsPath   string
	MIMEType  string
	SHA256    string
	Width     int
	Height    int
	OriginURL string
	ModelName string
	CreatedAt time.Time
}

// Score is an append-only quality-gate verdict for one attempt.
type Score struct {
	ID         string
	RunID      string
	StageName  string
	Attempt    int
	Score0100  float64
	PassFail   bool
	RubricJSON string
	CreatedAt  time.Time
}

// ExportStatus enumerates export lifecycle states.
type ExportStatus string

const (
	ExportPending   ExportStatus = "pending"
	ExportCompleted ExportStatus = "completed"
	ExportFailed    ExportStatus = "failed"
)

// Export records one CSV/ZIP/manifest export job.
type Export struct {
	ID           string
	FilterJSON   string
	CSVPath      string
	ZipPath      string
	ManifestPath string
	Status       ExportStatus
	ErrorDetail  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RuntimeConfig is the single-row (id=1) operational configuration.
// QualityThreshold is clamped >= MinQualityThreshold and MaxParallelRuns to
// [1,50] on seed and on every update.
type RuntimeConfig struct {
	ID                   int
	QualityThreshold     int
	MaxOptimizationLoops int
	MaxAPIRetries        int
	StageRetryLimit      int
	WorkerPollSeconds    float64
	MaxParallelRuns      int
	FallbackEnabled      bool
	AssistantID          string
	AssistantName        string
	VisionModel          string
	CritiqueModel        string
	GenerateModel        string
	QualityGateModel     string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// RunDetails aggregates every artifact of a run in creation order.
type RunDetails struct {
	Run     Run
	Stages  []StageResult
	Prompts []Prompt
	Assets  []Asset
	Scores  []Score
}

// RunWithEntry pairs a run with its owning entry for export assembly.
type RunWithEntry struct {
	Run   Run
	Entry Entry
}

// EntryWithLatestRun pairs an entry with its most recent run, if any.
type EntryWithLatestRun struct {
	Entry     Entry
	LatestRun *Run
}

// Context is an alias so ports read uniformly; adapters pass
// context.Context straight through.
type Context = context.Context
