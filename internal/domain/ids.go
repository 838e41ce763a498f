package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/shaycohen-verbali/Image-generation/pkg/jsonx"
)

// DeterministicEntryID derives the entry id from the unique tuple
// (word, part_of_sentence, category), lowercase-trimmed. Re-creating an
// entry with the same tuple always yields the same id.
func DeterministicEntryID(word, partOfSentence, category string) string {
	key := fmt.Sprintf("%s|%s|%s",
		strings.ToLower(strings.TrimSpace(word)),
		strings.ToLower(strings.TrimSpace(partOfSentence)),
		strings.ToLower(strings.TrimSpace(category)),
	)
	sum := sha256.Sum256([]byte(key))
	return "ent_" + hex.EncodeToString(sum[:])[:24]
}

// SourceRowHash fingerprints an imported row for audit; key order is
// normalized so equal rows hash equally.
func SourceRowHash(in EntryInput) string {
	normalized := jsonx.MarshalSorted(map[string]any{
		"word":             in.Word,
		"part_of_sentence": in.PartOfSentence,
		"category":         in.Category,
		"context":          in.Context,
		"boy_or_girl":      in.BoyOrGirl,
		"batch":            in.Batch,
	})
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// NewID mints a prefixed opaque id, e.g. NewID("run") -> "run_3f2a...".
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return prefix + "_" + raw[:24]
}

// StageIdempotencyKey is the logical upsert key of a StageResult.
func StageIdempotencyKey(runID, stageName string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, stageName, attempt)
}
