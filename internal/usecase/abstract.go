package usecase

import (
	"regexp"
	"strings"
)

// Abstract-concept detection. Words like "no", "without", or "empty" cannot
// be drawn directly; they get a single-frame contrast composition instead,
// and the quality gate switches to the contrast rubric.

var abstractLexicon = map[string]struct{}{
	"none": {}, "no": {}, "nothing": {}, "without": {}, "not": {},
	"empty": {}, "all": {}, "any": {}, "some": {}, "every": {}, "each": {},
	"more": {}, "less": {}, "same": {}, "different": {}, "other": {},
}

var negationTokens = map[string]struct{}{
	"no": {}, "not": {}, "without": {}, "none": {}, "nothing": {},
}

var abstractPartsOfSpeech = map[string]struct{}{
	"pronoun": {}, "determiner": {}, "preposition": {},
	"conjunction": {}, "adverb": {}, "quantifier": {},
}

var (
	wordTokenRe       = regexp.MustCompile(`[a-zA-Z']+`)
	contrastSubjectRe = regexp.MustCompile(`(?:without|no|none|not)\s+([a-zA-Z][a-zA-Z\s-]{1,40})`)
)

// AbstractIntent is the detector verdict driving the contrast-composition
// prompt branch and the abstract scoring rubric.
type AbstractIntent struct {
	IsAbstract      bool
	ReasonCodes     []string
	ContrastSubject string
	ContrastPattern string
}

// ToMap renders the intent for audit payloads.
func (a AbstractIntent) ToMap() map[string]any {
	codes := make([]any, 0, len(a.ReasonCodes))
	for _, c := range a.ReasonCodes {
		codes = append(codes, c)
	}
	return map[string]any{
		"is_abstract":      a.IsAbstract,
		"reason_codes":     codes,
		"contrast_subject": a.ContrastSubject,
		"contrast_pattern": a.ContrastPattern,
	}
}

func tokenize(value string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, tok := range wordTokenRe.FindAllString(strings.ToLower(value), -1) {
		out[tok] = struct{}{}
	}
	return out
}

func extractContrastSubject(context, category, fallbackWord string) string {
	if m := contrastSubjectRe.FindStringSubmatch(strings.ToLower(context)); m != nil {
		candidate := strings.SplitN(strings.TrimSpace(m[1]), " ", 2)[0]
		if candidate != "" {
			return candidate
		}
	}
	if s := strings.TrimSpace(category); s != "" {
		return s
	}
	if s := strings.TrimSpace(fallbackWord); s != "" {
		return s
	}
	return "target object"
}

// DetectAbstractIntent classifies a vocabulary entry. Any single signal
// (lexicon word, negation in context, abstract PoS, -less suffix) marks the
// entry abstract.
func DetectAbstractIntent(word, partOfSentence, context, category string) AbstractIntent {
	var reasons []string
	normalizedWord := strings.ToLower(strings.TrimSpace(word))
	normalizedPOS := strings.ToLower(strings.TrimSpace(partOfSentence))
	contextTokens := tokenize(context)

	if _, ok := abstractLexicon[normalizedWord]; ok {
		reasons = append(reasons, "lexicon_match")
	}
	for tok := range negationTokens {
		if _, ok := contextTokens[tok]; ok {
			reasons = append(reasons, "context_negation")
			break
		}
	}
	if _, ok := abstractPartsOfSpeech[normalizedPOS]; ok {
		reasons = append(reasons, "pos_abstract")
	}
	if strings.HasSuffix(normalizedWord, "less") {
		reasons = append(reasons, "suffix_less")
	}

	return AbstractIntent{
		IsAbstract:      len(reasons) > 0,
		ReasonCodes:     reasons,
		ContrastSubject: extractContrastSubject(context, category, word),
		ContrastPattern: "single_frame_contrast",
	}
}
