package domain

import "strings"

// Model catalogs. Config values are free text; everything that reaches a
// provider call goes through these normalizers first.

const (
	DefaultVisionModel     = "gpt-4o-mini"
	DefaultGenerationModel = "flux-1.1-pro"
)

var visionModelAliases = map[string]string{
	"gpt-40-mini": "gpt-4o-mini",
}

var supportedVisionModels = map[string]struct{}{
	"gpt-4o-mini":    {},
	"gemini-3-flash": {},
	"gemini-3-pro":   {},
}

var supportedGenerationModels = map[string]struct{}{
	"flux-1.1-pro":    {},
	"imagen-3":        {},
	"imagen-4":        {},
	"nano-banana":     {},
	"nano-banana-pro": {},
}

// NormalizeVisionModel maps a configured vision/critique/quality-gate model
// onto the allow-list, falling back to the default on unknown values.
func NormalizeVisionModel(model string) string {
	normalized := strings.ToLower(strings.TrimSpace(model))
	if alias, ok := visionModelAliases[normalized]; ok {
		normalized = alias
	}
	if _, ok := supportedVisionModels[normalized]; !ok {
		return DefaultVisionModel
	}
	return normalized
}

// NormalizeGenerationModel maps a configured stage-3 generation model onto
// the allow-list, falling back to the default on unknown values.
func NormalizeGenerationModel(model string) string {
	normalized := strings.ToLower(strings.TrimSpace(model))
	if _, ok := supportedGenerationModels[normalized]; !ok {
		return DefaultGenerationModel
	}
	return normalized
}

// IsGeminiModel reports whether the normalized vision model is a Gemini
// variant.
func IsGeminiModel(model string) bool {
	return strings.HasPrefix(NormalizeVisionModel(model), "gemini-")
}
