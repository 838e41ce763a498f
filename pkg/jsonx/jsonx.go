// Package jsonx provides JSON helpers shared by the pipeline: tolerant
// parsing of model output and stable (sorted-key) serialization for audit
// records.
package jsonx

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fencedRe = regexp.MustCompile("(?is)```(?:json)?\\s*(.*?)```")
	objectRe = regexp.MustCompile(`(?s)\{.*\}`)
)

// ParseRelaxed extracts a JSON object from assistant output. Models wrap
// JSON in fenced code blocks or surrounding prose; candidates are tried in
// order: the whole text, the first fenced block, the outermost brace span.
// Returns an empty map when nothing parses.
func ParseRelaxed(content string) map[string]any {
	text := strings.TrimSpace(content)
	candidates := []string{text}
	if m := fencedRe.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if m := objectRe.FindString(text); m != "" {
		candidates = append(candidates, m)
	}
	for _, candidate := range candidates {
		var out map[string]any
		if err := json.Unmarshal([]byte(candidate), &out); err == nil && out != nil {
			return out
		}
	}
	return map[string]any{}
}

// MarshalSorted serializes v with sorted keys so equal payloads produce
// byte-equal JSON (encoding/json sorts map keys). Falls back to "{}" on
// unserializable input.
func MarshalSorted(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// UnmarshalObject parses a stored JSON object column, returning an empty
// map on malformed or non-object input.
func UnmarshalObject(raw string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
