package prompt

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcove-sh/alcove/internal/retrieval"
)

func corpusHit(id, text string) retrieval.Hit {
	return retrieval.Hit{
		ID:      id,
		Text:    text,
		Origin:  retrieval.OriginCorpus,
		Locator: retrieval.Locator{DocID: "doc-" + id, Page: 3},
	}
}

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"corpus-only", "notes-only", "web-only", "combined"} {
		m, err := ParseMode(valid)
		require.NoError(t, err)
		assert.Equal(t, Mode(valid), m)
	}

	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeCorpus, m)

	_, err = ParseMode("everything")
	assert.Error(t, err)
}

func TestModeSourceSelection(t *testing.T) {
	assert.True(t, ModeCombined.UsesCorpus())
	assert.True(t, ModeCombined.UsesNotes())
	assert.True(t, ModeCombined.UsesWeb())
	assert.Empty(t, ModeCombined.Mandatory())

	assert.True(t, ModeNotes.UsesNotes())
	assert.False(t, ModeNotes.UsesCorpus())
	assert.Equal(t, "notes", ModeNotes.Mandatory())
}

func TestSystemPromptOverride(t *testing.T) {
	assert.Equal(t, systemPrompts[ModeCorpus], SystemPrompt(ModeCorpus, ""))
	assert.Equal(t, "custom", SystemPrompt(ModeCorpus, "custom"))
}

func TestWebPromptsForbidRefusal(t *testing.T) {
	for _, m := range []Mode{ModeWeb, ModeCombined} {
		assert.Contains(t, systemPrompts[m], "do not", "mode %s must forbid refusals", m)
	}
}

func TestAssembleBasicLayout(t *testing.T) {
	b := Assemble(Input{
		Mode:  ModeCorpus,
		Query: "what is the refund policy",
		Hits: []retrieval.Hit{
			corpusHit("c1", "Refunds are processed within 14 days."),
			corpusHit("c2", "Contact support to initiate a refund."),
		},
		Memory:        []MemoryFact{{Category: "preferences", Content: "prefers short answers"}},
		ContextTokens: 8192,
		MaxTokens:     512,
	})

	assert.Equal(t, systemPrompts[ModeCorpus], b.System)
	assert.Contains(t, b.Prompt, "What you know about the user:")
	assert.Contains(t, b.Prompt, "[1] (corpus: doc-c1, page 3)")
	assert.Contains(t, b.Prompt, "[2] (corpus: doc-c2, page 3)")
	assert.True(t, strings.HasSuffix(b.Prompt, "Question: what is the refund policy\n"),
		"user query must come last")
	assert.Len(t, b.Included, 2)
	assert.Zero(t, b.TruncatedBlocks)
}

func TestAssembleDropsBlocksOverBudget(t *testing.T) {
	long := strings.Repeat("filler words to consume token budget quickly ", 60)
	var hits []retrieval.Hit
	for i := 0; i < 10; i++ {
		hits = append(hits, corpusHit(fmt.Sprintf("c%d", i), long))
	}

	b := Assemble(Input{
		Mode:          ModeCorpus,
		Query:         "short question",
		Hits:          hits,
		ContextTokens: 2000,
		MaxTokens:     200,
	})

	assert.Less(t, len(b.Included), len(hits))
	assert.Greater(t, b.TruncatedBlocks, 0)
	assert.Equal(t, len(hits), len(b.Included)+countDropped(b, hits))
	// The query survives regardless of truncation.
	assert.True(t, strings.HasSuffix(b.Prompt, "Question: short question\n"))
}

func countDropped(b Bundle, hits []retrieval.Hit) int {
	included := make(map[string]bool, len(b.Included))
	for _, h := range b.Included {
		included[h.ID] = true
	}
	n := 0
	for _, h := range hits {
		if !included[h.ID] {
			n++
		}
	}
	return n
}

func TestAssembleGreedyKeepsRankOrder(t *testing.T) {
	b := Assemble(Input{
		Mode:          ModeCorpus,
		Query:         "q",
		Hits:          []retrieval.Hit{corpusHit("first", "alpha"), corpusHit("second", "beta")},
		ContextTokens: 8192,
	})

	require.Len(t, b.Included, 2)
	assert.Equal(t, "first", b.Included[0].ID)
	assert.True(t, strings.Index(b.Prompt, "alpha") < strings.Index(b.Prompt, "beta"))
}

func TestAssembleEmptyHits(t *testing.T) {
	b := Assemble(Input{
		Mode:          ModeNotes,
		Query:         "anything in my notes about gardening?",
		ContextTokens: 8192,
	})

	assert.NotContains(t, b.Prompt, "Context:")
	assert.Empty(t, b.Included)
	assert.Contains(t, b.Prompt, "Question: anything in my notes about gardening?")
}

func TestAssembleHistoryTrimmed(t *testing.T) {
	var history []Turn
	for i := 0; i < 10; i++ {
		history = append(history,
			Turn{Role: "user", Content: fmt.Sprintf("user turn %d", i)},
			Turn{Role: "assistant", Content: fmt.Sprintf("assistant turn %d", i)},
		)
	}

	b := Assemble(Input{
		Mode:          ModeCorpus,
		Query:         "q",
		History:       history,
		ContextTokens: 8192,
	})

	assert.NotContains(t, b.Prompt, "user turn 0")
	assert.Contains(t, b.Prompt, "assistant turn 9")
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))

	// Word-heavy text: roughly 4/3 tokens per word.
	words := strings.Repeat("word ", 30)
	assert.InDelta(t, 40, EstimateTokens(words), 3)

	// One long unbroken string falls back to the character ratio.
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("x", 100)))
}

func TestFormatBlockLocators(t *testing.T) {
	note := retrieval.Hit{
		Origin:  retrieval.OriginNote,
		Text:    "note text",
		Locator: retrieval.Locator{NotePath: "projects/alpha.md", Heading: "Status"},
	}
	assert.Contains(t, formatBlock(1, note), "projects/alpha.md > Status")

	web := retrieval.Hit{
		Origin:  retrieval.OriginWeb,
		Text:    "web text",
		Locator: retrieval.Locator{URL: "https://example.com/x", Title: "Example"},
	}
	assert.Contains(t, formatBlock(2, web), "Example (https://example.com/x)")

	media := retrieval.Hit{
		Origin:  retrieval.OriginCorpus,
		Text:    "transcript text",
		Locator: retrieval.Locator{DocID: "vid1", TimestampStart: 30, TimestampEnd: 60},
	}
	assert.Contains(t, formatBlock(3, media), "30s-60s")
}
