package app

import (
	"github.com/shaycohen-verbali/Image-generation/internal/config"
	"github.com/shaycohen-verbali/Image-generation/internal/domain"
)

// SeedRuntimeConfig builds the runtime-config defaults row from env. It is
// written once with ON CONFLICT DO NOTHING; env changes after first boot do
// not override operator edits.
func SeedRuntimeConfig(cfg config.Config) domain.RuntimeConfig {
	return domain.RuntimeConfig{
		QualityThreshold:     cfg.SeedQualityThreshold,
		MaxOptimizationLoops: cfg.SeedMaxOptimization,
		MaxAPIRetries:        cfg.SeedMaxAPIRetries,
		StageRetryLimit:      cfg.SeedStageRetryLimit,
		WorkerPollSeconds:    cfg.SeedWorkerPollSeconds,
		MaxParallelRuns:      cfg.SeedMaxParallelRuns,
		FallbackEnabled:      cfg.SeedFallbackEnabled,
		AssistantID:          cfg.OpenAIAssistantID,
		AssistantName:        cfg.OpenAIAssistantName,
		VisionModel:          cfg.SeedVisionModel,
		CritiqueModel:        cfg.SeedCritiqueModel,
		GenerateModel:        cfg.SeedGenerateModel,
		QualityGateModel:     cfg.SeedQualityGateModel,
	}
}
