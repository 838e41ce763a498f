// Package usecase holds the application services: the staged pipeline state
// machine, CSV import, and export assembly. It depends only on the domain
// ports plus local storage.
package usecase

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shaycohen-verbali/Image-generation/internal/adapter/observability"
	"github.com/shaycohen-verbali/Image-generation/internal/domain"
	"github.com/shaycohen-verbali/Image-generation/internal/storage"
	"github.com/shaycohen-verbali/Image-generation/pkg/jsonx"
)

// Runner drives one run through the staged pipeline:
// stage1 prompt -> stage2 draft -> (stage3 upgrade -> quality gate)* ->
// stage4 white background, with per-stage retry and the optimization loop's
// best-attempt winner selection.
type Runner struct {
	Entries   domain.EntryRepository
	Runs      domain.RunRepository
	Artifacts domain.ArtifactRepository
	Config    domain.ConfigRepository
	Assistant domain.PromptAssistant
	Generator domain.ImageGenerator
	Store     *storage.Store
}

// NewRunner wires a pipeline runner.
func NewRunner(entries domain.EntryRepository, runs domain.RunRepository, artifacts domain.ArtifactRepository, cfg domain.ConfigRepository, assistant domain.PromptAssistant, generator domain.ImageGenerator, store *storage.Store) *Runner {
	return &Runner{
		Entries:   entries,
		Runs:      runs,
		Artifacts: artifacts,
		Config:    cfg,
		Assistant: assistant,
		Generator: generator,
		Store:     store,
	}
}

func entrySlug(e domain.Entry) string {
	orDefault := func(v, def string) string {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			return def
		}
		return v
	}
	parts := []string{
		orDefault(e.Word, "unknown-word"),
		orDefault(e.PartOfSentence, "unknown-pos"),
		orDefault(e.Category, "no-category"),
		orDefault(e.BoyOrGirl, "unspecified-person"),
	}
	return storage.SanitizeFilename(strings.Join(parts, "_"))
}

// withStageRetry executes fn up to limit times and returns the last error.
// Provider-level retries already happened inside each call; this layer
// absorbs transient whole-stage failures (bad JSON, timed-out prediction).
func withStageRetry(limit int, fn func() error) error {
	if limit < 1 {
		limit = 1
	}
	var err error
	for i := 0; i < limit; i++ {
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}

func (p *Runner) recordStage(ctx domain.Context, runID, stageName string, attempt int, status string, request, response map[string]any, errorDetail string) {
	_, err := p.Artifacts.UpsertStageResult(ctx, domain.StageResult{
		RunID:        runID,
		StageName:    stageName,
		Attempt:      attempt,
		Status:       status,
		RequestJSON:  jsonx.MarshalSorted(request),
		ResponseJSON: jsonx.MarshalSorted(response),
		ErrorDetail:  errorDetail,
	})
	if err != nil {
		slog.Error("failed to record stage result",
			slog.String("run_id", runID),
			slog.String("stage_name", stageName),
			slog.Any("error", err))
	}
}

func (p *Runner) saveAsset(ctx domain.Context, runID, stageName string, attempt int, filename string, imageBytes []byte, originURL, modelName string) (domain.Asset, error) {
	path, err := p.Store.WriteImage(runID, filename, imageBytes)
	if err != nil {
		return domain.Asset{}, err
	}
	width, height := storage.ImageDimensions(imageBytes)
	return p.Artifacts.AddAsset(ctx, domain.Asset{
		RunID:     runID,
		StageName: stageName,
		Attempt:   attempt,
		FileName:  storage.SanitizeFilename(filename),
		AbsPath:   path,
		MIMEType:  storage.DetectMIME(imageBytes),
		SHA256:    storage.SHA256Bytes(imageBytes),
		Width:     width,
		Height:    height,
		OriginURL: originURL,
		ModelName: modelName,
	})
}

func (p *Runner) setFailedTechnical(ctx domain.Context, run domain.Run, stageName, detail string) domain.Run {
	status := domain.RunFailedTechnical
	retries := run.TechnicalRetryCount + 1
	updated, err := p.Runs.Update(ctx, run.ID, domain.RunUpdate{
		Status:              &status,
		CurrentStage:        &stageName,
		ErrorDetail:         &detail,
		TechnicalRetryCount: &retries,
	})
	if err != nil {
		slog.Error("failed to mark run failed_technical", slog.String("run_id", run.ID), slog.Any("error", err))
		return run
	}
	return updated
}

func (p *Runner) setStage(ctx domain.Context, runID, stage string, attempt *int) (domain.Run, error) {
	return p.Runs.Update(ctx, runID, domain.RunUpdate{CurrentStage: &stage, OptimizationAttempt: attempt})
}

func logStage(runID, stageName, provider string, start time.Time) {
	observability.ObserveStage(stageName, time.Since(start))
	slog.Info("stage completed",
		slog.String("run_id", runID),
		slog.String("stage_name", stageName),
		slog.String("status", domain.StageStatusOK),
		slog.String("provider", provider),
		slog.Float64("latency_ms", float64(time.Since(start).Microseconds())/1000))
}

// ProcessRun executes a claimed run to a terminal status. Technical failures
// are absorbed into the run's status and error_detail; the returned error is
// only for lookups so broken ids surface to the caller.
func (p *Runner) ProcessRun(ctx domain.Context, runID string) (domain.Run, error) {
	run, err := p.Runs.Get(ctx, runID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("op=pipeline.process: %w", err)
	}

	entry, err := p.Entries.Get(ctx, run.EntryID)
	if err != nil {
		run = p.setFailedTechnical(ctx, run, domain.StageStage1, "Entry missing")
		return run, nil
	}

	cfg, err := p.Config.Get(ctx)
	if err != nil {
		run = p.setFailedTechnical(ctx, run, run.CurrentStage, fmt.Sprintf("runtime config unavailable: %v", err))
		return run, nil
	}
	p.Assistant.SetMaxAPIRetries(cfg.MaxAPIRetries)
	p.Generator.SetMaxAPIRetries(cfg.MaxAPIRetries)

	assistantID, err := p.Assistant.ResolveAssistantID(ctx, cfg.AssistantID, cfg.AssistantName)
	if err != nil {
		run = p.setFailedTechnical(ctx, run, run.CurrentStage, fmt.Sprintf("assistant resolution failed: %v", err))
		return run, nil
	}

	startStage := run.RetryFromStage
	if startStage == "" {
		switch run.CurrentStage {
		case domain.StageStage2, domain.StageStage3, domain.StageStage4, domain.StageQualityGate:
			startStage = run.CurrentStage
		default:
			startStage = domain.StageStage1
		}
	}
	status := domain.RunRunning
	empty := ""
	run, err = p.Runs.Update(ctx, run.ID, domain.RunUpdate{Status: &status, CurrentStage: &startStage, RetryFromStage: &empty})
	if err != nil {
		return domain.Run{}, fmt.Errorf("op=pipeline.process: %w", err)
	}

	intent := DetectAbstractIntent(entry.Word, entry.PartOfSentence, entry.Context, entry.Category)

	execute := func() error {
		switch startStage {
		case domain.StageStage1:
			if run, err = p.runStage1(ctx, run, entry, assistantID, cfg.StageRetryLimit, intent); err != nil {
				return err
			}
			if run, err = p.runStage2(ctx, run, entry, cfg.StageRetryLimit); err != nil {
				return err
			}
		case domain.StageStage2:
			if run, err = p.runStage2(ctx, run, entry, cfg.StageRetryLimit); err != nil {
				return err
			}
		}
		run, err = p.runOptimizationLoop(ctx, run, entry, assistantID, cfg.StageRetryLimit, intent)
		return err
	}

	if err := execute(); err != nil {
		run = p.setFailedTechnical(ctx, run, run.CurrentStage, err.Error())
		p.recordStage(ctx, run.ID, run.CurrentStage, max(1, run.OptimizationAttempt), domain.StageStatusError, map[string]any{}, map[string]any{}, err.Error())
		return run, nil
	}
	return run, nil
}

func (p *Runner) runStage1(ctx domain.Context, run domain.Run, entry domain.Entry, assistantID string, retryLimit int, intent AbstractIntent) (domain.Run, error) {
	run, err := p.setStage(ctx, run.ID, domain.StageStage1, nil)
	if err != nil {
		return run, err
	}
	err = withStageRetry(retryLimit, func() error {
		start := time.Now()
		userText := BuildStage1Prompt(entry, intent)
		reply, err := p.Assistant.GenerateFirstPrompt(ctx, userText, assistantID)
		if err != nil {
			return err
		}
		firstPrompt := firstNonEmptyString(reply.Parsed, "first prompt", "prompt", "first_prompt")
		if firstPrompt == "" {
			return fmt.Errorf("missing 'first prompt' in assistant response: %w", domain.ErrStageFailed)
		}
		needPerson := strings.ToLower(strings.TrimSpace(firstNonEmptyString(reply.Parsed, "need a person", "need_person")))
		if needPerson != "yes" && needPerson != "no" {
			needPerson = "no"
		}
		if _, err := p.Artifacts.AddPrompt(ctx, domain.Prompt{
			RunID:           run.ID,
			StageName:       domain.StageStage1,
			Attempt:         0,
			PromptText:      firstPrompt,
			NeedsPerson:     needPerson,
			Source:          "assistant",
			RawResponseJSON: jsonx.MarshalSorted(map[string]any{"parsed": reply.Parsed, "raw": reply.Raw}),
		}); err != nil {
			return err
		}
		p.recordStage(ctx, run.ID, domain.StageStage1, 0, domain.StageStatusOK,
			map[string]any{"prompt": userText},
			map[string]any{"parsed": reply.Parsed, "raw": reply.Raw}, "")
		logStage(run.ID, domain.StageStage1, "openai_assistant", start)
		return nil
	})
	if err != nil {
		return run, err
	}
	return p.Runs.Get(ctx, run.ID)
}

func (p *Runner) runStage2(ctx domain.Context, run domain.Run, entry domain.Entry, retryLimit int) (domain.Run, error) {
	run, err := p.setStage(ctx, run.ID, domain.StageStage2, nil)
	if err != nil {
		return run, err
	}
	firstPrompt, err := p.Artifacts.LatestPrompt(ctx, run.ID, domain.StageStage1)
	if err != nil {
		return run, err
	}
	if firstPrompt == nil {
		return run, fmt.Errorf("stage 1 prompt missing for stage 2: %w", domain.ErrStageFailed)
	}
	err = withStageRetry(retryLimit, func() error {
		start := time.Now()
		pred, err := p.Generator.GenerateDraft(ctx, firstPrompt.PromptText)
		if err != nil {
			return err
		}
		if !pred.Succeeded() {
			return fmt.Errorf("draft generation status %s: %w", pred.Status, domain.ErrStageFailed)
		}
		outputURL := pred.OutputURL()
		if outputURL == "" {
			return fmt.Errorf("no output URL from draft generation: %w", domain.ErrStageFailed)
		}
		imageBytes, err := p.Generator.Download(ctx, outputURL)
		if err != nil {
			return err
		}
		filename := fmt.Sprintf("stage2_draft_%s.jpg", entrySlug(entry))
		if _, err := p.saveAsset(ctx, run.ID, domain.StageStage2, 0, filename, imageBytes, outputURL, "black-forest-labs/flux-schnell"); err != nil {
			return err
		}
		p.recordStage(ctx, run.ID, domain.StageStage2, 0, domain.StageStatusOK,
			map[string]any{"prompt": firstPrompt.PromptText}, pred.Raw, "")
		logStage(run.ID, domain.StageStage2, "replicate", start)
		return nil
	})
	if err != nil {
		return run, err
	}
	return p.Runs.Get(ctx, run.ID)
}

func (p *Runner) runOptimizationLoop(ctx domain.Context, run domain.Run, entry domain.Entry, assistantID string, retryLimit int, intent AbstractIntent) (domain.Run, error) {
	totalAttemptBudget := run.MaxOptimizationAttempts + 1
	currentAttempt := max(run.OptimizationAttempt, 0) + 1
	previousScoreExplanation := ""

	bestAttempt := 0
	bestScore := 0.0
	bestPassed := false
	bestRubric := map[string]any{}
	haveBest := false

	for currentAttempt <= totalAttemptBudget {
		var err error
		run, err = p.setStage(ctx, run.ID, domain.StageStage3, &currentAttempt)
		if err != nil {
			return run, err
		}
		attempt := currentAttempt
		prevExplanation := previousScoreExplanation
		if err := withStageRetry(retryLimit, func() error {
			return p.runStage3Attempt(ctx, run, entry, assistantID, attempt, prevExplanation, intent)
		}); err != nil {
			return run, err
		}

		run, err = p.setStage(ctx, run.ID, domain.StageQualityGate, &currentAttempt)
		if err != nil {
			return run, err
		}
		var score float64
		var passed bool
		var rubric map[string]any
		if err := withStageRetry(retryLimit, func() error {
			var err error
			score, passed, rubric, err = p.runQualityGateAttempt(ctx, run, entry, attempt, intent)
			return err
		}); err != nil {
			return run, err
		}

		if !haveBest || score > bestScore {
			bestScore = score
			bestAttempt = currentAttempt
			bestPassed = passed
			bestRubric = rubric
			haveBest = true
		}

		// Stop early once the gate passes; no need to generate N+1 attempts.
		if passed {
			break
		}
		previousScoreExplanation, _ = rubric["explanation"].(string)
		if currentAttempt >= totalAttemptBudget {
			break
		}
		currentAttempt++
	}

	if !haveBest {
		return run, fmt.Errorf("no scored attempt available to select winner: %w", domain.ErrStageFailed)
	}

	var err error
	run, err = p.Runs.Update(ctx, run.ID, domain.RunUpdate{
		CurrentStage:        ptr(domain.StageStage4),
		OptimizationAttempt: &bestAttempt,
		QualityScore:        &bestScore,
	})
	if err != nil {
		return run, err
	}
	if err := withStageRetry(retryLimit, func() error {
		return p.runStage4Attempt(ctx, run, entry, bestAttempt, bestScore)
	}); err != nil {
		return run, err
	}

	status := domain.RunCompletedPass
	errorDetail := ""
	if !bestPassed {
		status = domain.RunCompletedFailScore
		explanation, _ := bestRubric["explanation"].(string)
		errorDetail = fmt.Sprintf("Best score %g below threshold %d (winner attempt %d; explanation: %s)",
			bestScore, run.QualityThreshold, bestAttempt, explanation)
	}
	return p.Runs.Update(ctx, run.ID, domain.RunUpdate{
		Status:              &status,
		CurrentStage:        ptr(domain.StageCompleted),
		QualityScore:        &bestScore,
		OptimizationAttempt: &bestAttempt,
		ErrorDetail:         &errorDetail,
	})
}

func (p *Runner) runStage3Attempt(ctx domain.Context, run domain.Run, entry domain.Entry, assistantID string, attempt int, previousScoreExplanation string, intent AbstractIntent) error {
	critiqueSource, err := p.Artifacts.LatestAsset(ctx, run.ID, domain.StageStage3Upgraded)
	if err != nil {
		return err
	}
	if critiqueSource == nil {
		if critiqueSource, err = p.Artifacts.LatestAsset(ctx, run.ID, domain.StageStage2); err != nil {
			return err
		}
	}
	if critiqueSource == nil {
		return fmt.Errorf("no source asset available for stage 3: %w", domain.ErrStageFailed)
	}

	cfg, err := p.Config.Get(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	analysis, err := p.Assistant.AnalyzeImage(ctx, critiqueSource.AbsPath, entry.Word, entry.PartOfSentence, entry.Category, cfg.CritiqueModel)
	if err != nil {
		return err
	}

	previousPrompt, err := p.Artifacts.LatestPrompt(ctx, run.ID, domain.StageStage3)
	if err != nil {
		return err
	}
	if previousPrompt == nil {
		if previousPrompt, err = p.Artifacts.LatestPrompt(ctx, run.ID, domain.StageStage1); err != nil {
			return err
		}
	}
	if previousPrompt == nil {
		return fmt.Errorf("no prior prompt to upgrade: %w", domain.ErrStageFailed)
	}

	recommendations := analysis.Recommendations
	if previousScoreExplanation != "" {
		recommendations = recommendations + "\nPrevious score feedback: " + previousScoreExplanation
	}
	reinforce := intent.IsAbstract && previousScoreExplanation != ""
	upgradeRequest := BuildStage3Prompt(entry, previousPrompt.PromptText, analysis.Challenges, recommendations, intent, reinforce)

	reply, err := p.Assistant.GenerateUpgradedPrompt(ctx, upgradeRequest, assistantID)
	if err != nil {
		return err
	}
	upgradedPrompt := firstNonEmptyString(reply.Parsed, "upgraded prompt", "prompt")
	if upgradedPrompt == "" {
		return fmt.Errorf("missing upgraded prompt: %w", domain.ErrStageFailed)
	}

	if _, err := p.Artifacts.AddPrompt(ctx, domain.Prompt{
		RunID:      run.ID,
		StageName:  domain.StageStage3,
		Attempt:    attempt,
		PromptText: upgradedPrompt,
		Source:     "assistant",
		RawResponseJSON: jsonx.MarshalSorted(map[string]any{
			"parsed":       reply.Parsed,
			"raw":          reply.Raw,
			"analysis":     map[string]any{"challenges": analysis.Challenges, "recommendations": analysis.Recommendations},
			"analysis_raw": analysis.Raw,
		}),
	}); err != nil {
		return err
	}

	selectedModel := cfg.GenerateModel
	pred, modelPath, err := p.Generator.GenerateStage3(ctx, selectedModel, upgradedPrompt)
	if err != nil {
		return err
	}
	if !pred.Succeeded() {
		if domain.NormalizeGenerationModel(selectedModel) != domain.DefaultGenerationModel || !cfg.FallbackEnabled {
			return fmt.Errorf("stage3 generation failed with %s: status %s: %w", selectedModel, pred.Status, domain.ErrStageFailed)
		}
		slog.Warn("stage3 generation falling back to imagen",
			slog.String("run_id", run.ID),
			slog.String("status", pred.Status))
		pred, modelPath, err = p.Generator.GenerateStage3(ctx, "imagen-3", upgradedPrompt)
		if err != nil {
			return err
		}
		if !pred.Succeeded() {
			return fmt.Errorf("stage3 fallback failed: status %s: %w", pred.Status, domain.ErrStageFailed)
		}
	}

	outputURL := pred.OutputURL()
	if outputURL == "" {
		return fmt.Errorf("no output URL for stage3 upgraded image: %w", domain.ErrStageFailed)
	}
	imageBytes, err := p.Generator.Download(ctx, outputURL)
	if err != nil {
		return err
	}

	filename := fmt.Sprintf("stage3_upgraded_%s_attempt_%d.jpg", entrySlug(entry), attempt)
	if _, err := p.saveAsset(ctx, run.ID, domain.StageStage3Upgraded, attempt, filename, imageBytes, outputURL, modelPath); err != nil {
		return err
	}

	assistantPayload := map[string]any{"parsed": reply.Parsed, "raw": reply.Raw}
	analysisPayload := map[string]any{"challenges": analysis.Challenges, "recommendations": analysis.Recommendations}
	p.recordStage(ctx, run.ID, domain.StageStage3, attempt, domain.StageStatusOK,
		map[string]any{
			"upgrade_prompt_request":    upgradeRequest,
			"critique_model_selected":   cfg.CritiqueModel,
			"generation_model_selected": selectedModel,
			"abstract_intent":           intent.ToMap(),
		},
		map[string]any{
			"analysis":                  analysisPayload,
			"assistant":                 assistantPayload,
			"generation":                pred.Raw,
			"generation_model":          modelPath,
			"generation_model_selected": selectedModel,
		}, "")

	if err := p.Store.WriteAttemptMetadata(run.ID, attempt, map[string]any{
		"attempt": attempt,
		"stage3": map[string]any{
			"analysis":         analysisPayload,
			"assistant":        assistantPayload,
			"generation":       pred.Raw,
			"generation_model": modelPath,
		},
	}); err != nil {
		return err
	}

	logStage(run.ID, domain.StageStage3, "openai+replicate", start)
	return nil
}

func (p *Runner) runQualityGateAttempt(ctx domain.Context, run domain.Run, entry domain.Entry, attempt int, intent AbstractIntent) (float64, bool, map[string]any, error) {
	finalAsset, err := p.Artifacts.AssetForAttempt(ctx, run.ID, domain.StageStage3Upgraded, attempt)
	if err != nil {
		return 0, false, nil, err
	}
	if finalAsset == nil {
		return 0, false, nil, fmt.Errorf("missing stage3 upgraded image for attempt %d: %w", attempt, domain.ErrStageFailed)
	}

	start := time.Now()
	cfg, err := p.Config.Get(ctx)
	if err != nil {
		return 0, false, nil, err
	}
	verdict, err := p.Assistant.ScoreImage(ctx, domain.ScoreImageRequest{
		ImagePath:       finalAsset.AbsPath,
		Word:            entry.Word,
		PartOfSentence:  entry.PartOfSentence,
		Category:        entry.Category,
		Threshold:       run.QualityThreshold,
		Model:           cfg.QualityGateModel,
		AbstractMode:    intent.IsAbstract,
		ContrastSubject: intent.ContrastSubject,
	})
	if err != nil {
		return 0, false, nil, err
	}

	score := verdict.Score0100()
	passed := score >= float64(run.QualityThreshold)
	if intent.IsAbstract && passed {
		// Abstract concepts must also clear the contrast sub-rubric.
		passed = rubricFloat(verdict.Rubric, "contrast_clarity") >= 4 &&
			rubricFloat(verdict.Rubric, "aac_interpretability") >= 4
	}
	observability.ObserveQualityScore(score)

	if _, err := p.Artifacts.AddScore(ctx, domain.Score{
		RunID:      run.ID,
		StageName:  domain.StageQualityGate,
		Attempt:    attempt,
		Score0100:  score,
		PassFail:   passed,
		RubricJSON: jsonx.MarshalSorted(map[string]any{"rubric": verdict.Rubric, "raw": verdict.Raw}),
	}); err != nil {
		return 0, false, nil, err
	}

	p.recordStage(ctx, run.ID, domain.StageQualityGate, attempt, domain.StageStatusOK,
		map[string]any{
			"asset":                  finalAsset.AbsPath,
			"threshold":              run.QualityThreshold,
			"quality_model_selected": cfg.QualityGateModel,
			"abstract_mode":          intent.IsAbstract,
		},
		map[string]any{"rubric": verdict.Rubric, "raw": verdict.Raw}, "")

	if err := p.Store.MergeAttemptMetadata(run.ID, attempt, map[string]any{
		"quality_gate": map[string]any{"score": score, "passed": passed, "rubric": verdict.Rubric},
	}); err != nil {
		return 0, false, nil, err
	}

	logStage(run.ID, domain.StageQualityGate, "openai", start)
	return score, passed, verdict.Rubric, nil
}

func (p *Runner) runStage4Attempt(ctx domain.Context, run domain.Run, entry domain.Entry, winnerAttempt int, winnerScore float64) error {
	upgradedAsset, err := p.Artifacts.AssetForAttempt(ctx, run.ID, domain.StageStage3Upgraded, winnerAttempt)
	if err != nil {
		return err
	}
	if upgradedAsset == nil {
		return fmt.Errorf("missing stage3 upgraded image for winner attempt %d: %w", winnerAttempt, domain.ErrStageFailed)
	}

	start := time.Now()
	pred, err := p.Generator.RemoveBackgroundToWhite(ctx, upgradedAsset.AbsPath, entry.Word)
	if err != nil {
		return err
	}
	if !pred.Succeeded() {
		return fmt.Errorf("background removal status %s: %w", pred.Status, domain.ErrStageFailed)
	}
	outputURL := pred.OutputURL()
	if outputURL == "" {
		return fmt.Errorf("no output URL for stage4: %w", domain.ErrStageFailed)
	}
	imageBytes, err := p.Generator.Download(ctx, outputURL)
	if err != nil {
		return err
	}
	filename := fmt.Sprintf("stage4_white_bg_%s_attempt_%d.jpg", entrySlug(entry), winnerAttempt)
	if _, err := p.saveAsset(ctx, run.ID, domain.StageStage4WhiteBG, winnerAttempt, filename, imageBytes, outputURL, "google/nano-banana"); err != nil {
		return err
	}

	p.recordStage(ctx, run.ID, domain.StageStage4, winnerAttempt, domain.StageStatusOK,
		map[string]any{
			"input_asset":    upgradedAsset.AbsPath,
			"winner_attempt": winnerAttempt,
			"winner_score":   winnerScore,
		}, pred.Raw, "")

	logStage(run.ID, domain.StageStage4, "replicate", start)
	return nil
}

func firstNonEmptyString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}

func rubricFloat(rubric map[string]any, key string) float64 {
	switch v := rubric[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func ptr[T any](v T) *T { return &v }
