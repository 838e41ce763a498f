package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeterministicEntryID(t *testing.T) {
	a := DeterministicEntryID("Apple", "Noun", "Food")
	b := DeterministicEntryID("  apple ", "noun", "food")
	c := DeterministicEntryID("apple", "noun", "drinks")

	assert.Equal(t, a, b, "case and whitespace do not change the id")
	assert.NotEqual(t, a, c, "different category yields a different id")
	assert.True(t, strings.HasPrefix(a, "ent_"))
	assert.Len(t, a, len("ent_")+24)
}

func TestNewID(t *testing.T) {
	a := NewID("run")
	b := NewID("run")
	assert.True(t, strings.HasPrefix(a, "run_"))
	assert.NotEqual(t, a, b)
	assert.Len(t, a, len("run_")+24)
}

func TestSourceRowHashStable(t *testing.T) {
	in := EntryInput{Word: "apple", PartOfSentence: "noun", Category: "food"}
	assert.Equal(t, SourceRowHash(in), SourceRowHash(in))
	assert.NotEqual(t, SourceRowHash(in), SourceRowHash(EntryInput{Word: "pear", PartOfSentence: "noun"}))
}

func TestStageIdempotencyKey(t *testing.T) {
	assert.Equal(t, "run_1:stage3_upgrade:2", StageIdempotencyKey("run_1", StageStage3, 2))
}
