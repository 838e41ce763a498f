package usecase

import (
	"fmt"
	"strings"

	"github.com/shaycohen-verbali/Image-generation/internal/domain"
)

// photoRealisticCategories get a photorealistic style hint in both prompt
// templates.
var photoRealisticCategories = map[string]struct{}{
	"drinks":                  {},
	"animals":                 {},
	"food":                    {},
	"food: fruits":            {},
	"food: vegetables":        {},
	"food: sweets & desserts": {},
	"shapes":                  {},
	"school supplies":         {},
	"transportation":          {},
}

// IsPhotoRealisticCategory reports whether the category gets the
// photorealistic hint.
func IsPhotoRealisticCategory(category string) bool {
	_, ok := photoRealisticCategories[strings.ToLower(strings.TrimSpace(category))]
	return ok
}

func photorealisticHint() string {
	return "If category is one of: Drinks, animals, food, food: fruits, food: vegetables, " +
		"food: Sweets & desserts, shapes, school supplies, transportation - use a photorealistic style."
}

func abstractInstructions(contrastSubject string) string {
	if contrastSubject == "" {
		contrastSubject = "target object"
	}
	return "The concept is abstract/ambiguous. Use a single-frame contrast composition. " +
		"Show an expected state and an actual state in the same image with very clear visual separation. " +
		fmt.Sprintf("Focus the contrast on this subject: %s. ", contrastSubject) +
		"Make absence/negation obvious with object count and salience cues, not text. " +
		"Keep clutter minimal and child-friendly for AAC interpretation."
}

// BuildStage1Prompt renders the assistant request asking for the first image
// prompt and the need-a-person decision.
func BuildStage1Prompt(entry domain.Entry, intent AbstractIntent) string {
	extra := ""
	if intent.IsAbstract {
		extra = abstractInstructions(intent.ContrastSubject) + "\n"
	}
	return "Task: Create the first image prompt for the given word and decide if the prompt needs a person.\n" +
		"Return STRICT JSON with keys exactly:\n" +
		`{ "first prompt": "<string>", "need a person": "yes" | "no" }` + "\n\n" +
		fmt.Sprintf("Context: %s\n", entry.Context) +
		fmt.Sprintf("Word: %s\n", entry.Word) +
		fmt.Sprintf("Part of speech: %s\n", entry.PartOfSentence) +
		fmt.Sprintf("Category: %s\n", entry.Category) +
		fmt.Sprintf("If a person is present, use a: %s\n\n", entry.BoyOrGirl) +
		extra +
		photorealisticHint() + "\n"
}

// BuildStage3Prompt renders the assistant request asking for an upgraded
// prompt, feeding back the critique of the previous image. reinforceContrast
// hardens the abstract instructions after a failed attempt.
func BuildStage3Prompt(entry domain.Entry, oldPrompt, challenges, recommendations string, intent AbstractIntent, reinforceContrast bool) string {
	extra := ""
	if intent.IsAbstract {
		extra = abstractInstructions(intent.ContrastSubject)
		if reinforceContrast {
			extra += " Previous output was ambiguous. Increase expected-vs-actual contrast and simplify irrelevant details."
		}
	}
	return "Create an upgraded image prompt for the given word. Return STRICT JSON:\n" +
		`{ "upgraded prompt": "<string>" }` + "\n\n" +
		fmt.Sprintf("context for the image: %s\n", entry.Context) +
		fmt.Sprintf("Old prompt: %s\n", oldPrompt) +
		fmt.Sprintf("challenges and improvements with the old image: challenges=%s; recommendations=%s\n", challenges, recommendations) +
		fmt.Sprintf("word: %s\n", entry.Word) +
		fmt.Sprintf("part of sentence: %s\n", entry.PartOfSentence) +
		fmt.Sprintf("Category: %s\n", entry.Category) +
		fmt.Sprintf("If a person is present, use a %s as the person.\n\n", entry.BoyOrGirl) +
		"Do not use text in the image.\n" +
		"The word's category can add information in addition to its PoS.\n" +
		extra + "\n" +
		photorealisticHint() + "\n"
}
