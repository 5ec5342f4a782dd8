package prompt

import (
	"fmt"
	"strings"

	"github.com/alcove-sh/alcove/internal/retrieval"
)

const (
	// perBlockTokenCap bounds a single context block so one giant chunk
	// cannot crowd out every other source.
	perBlockTokenCap = 600

	// outputReserveFraction of the model context is held back for the
	// completion; it also absorbs token-estimation error.
	outputReserveFraction = 0.10

	// maxHistoryTurns bounds how much prior conversation is replayed.
	maxHistoryTurns = 6
)

// Turn is one prior exchange in the conversation history.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Input carries everything the assembler needs for one request.
type Input struct {
	Mode     Mode
	Query    string
	Hits     []retrieval.Hit // already sorted, corpus first
	Memory   []MemoryFact
	Override string // per-user system prompt override, empty for none
	History  []Turn

	// ContextTokens is the generator model's context window; MaxTokens is
	// the requested completion cap.
	ContextTokens int
	MaxTokens     int
}

// MemoryFact is one stored user fact injected into the prompt.
type MemoryFact struct {
	Category string
	Content  string
}

// Bundle is the assembled generator input plus the bookkeeping the
// orchestrator needs for citations and metadata.
type Bundle struct {
	System string
	Prompt string

	// Included are the hits whose blocks survived the token budget, in
	// block-label order. Citations come from these, never from dropped hits.
	Included []retrieval.Hit

	// TruncatedBlocks counts hits dropped (or cut) by the budget.
	TruncatedBlocks int
}

// EstimateTokens approximates the token count of text. Whitespace and
// character heuristics bracket real tokenizers well enough; the output
// reserve absorbs the error.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	byWords := (len(strings.Fields(text))*4 + 2) / 3
	byChars := len(text) / 4
	if byWords > byChars {
		return byWords
	}
	return byChars
}

// Assemble builds the prompt bundle. Context blocks are added greedily in
// rank order until the budget is exhausted; the user query is appended last
// and is never truncated.
func Assemble(in Input) Bundle {
	system := SystemPrompt(in.Mode, in.Override)

	budget := in.ContextTokens
	if budget <= 0 {
		budget = 8192
	}
	reserve := int(float64(budget)*outputReserveFraction) + in.MaxTokens
	budget -= reserve

	var sb strings.Builder
	spend := func(s string) {
		sb.WriteString(s)
		budget -= EstimateTokens(s)
	}

	// Fixed-cost sections come off the top: system prompt, memory,
	// history, and the query itself.
	budget -= EstimateTokens(system)

	memoryBlock := formatMemory(in.Memory)
	historyBlock := formatHistory(in.History)
	queryBlock := "Question: " + in.Query + "\n"
	budget -= EstimateTokens(memoryBlock) + EstimateTokens(historyBlock) + EstimateTokens(queryBlock)

	if memoryBlock != "" {
		sb.WriteString(memoryBlock)
	}
	if historyBlock != "" {
		sb.WriteString(historyBlock)
	}

	bundle := Bundle{System: system}

	if len(in.Hits) > 0 {
		spend("Context:\n")
		for _, hit := range in.Hits {
			block := formatBlock(len(bundle.Included)+1, hit)
			cost := EstimateTokens(block)
			cut := false
			if cost > perBlockTokenCap {
				block = truncateToTokens(block, perBlockTokenCap)
				cost = perBlockTokenCap
				cut = true
			}
			if cost > budget {
				bundle.TruncatedBlocks++
				continue
			}
			if cut {
				bundle.TruncatedBlocks++
			}
			spend(block)
			bundle.Included = append(bundle.Included, hit)
		}
		sb.WriteString("\n")
	}

	sb.WriteString(queryBlock)

	bundle.Prompt = sb.String()
	return bundle
}

// formatBlock labels one hit with its ordinal and origin locator so the
// model can cite it.
func formatBlock(label int, hit retrieval.Hit) string {
	var loc string
	switch hit.Origin {
	case retrieval.OriginCorpus:
		loc = hit.Locator.DocID
		if hit.Locator.Page > 0 {
			loc += fmt.Sprintf(", page %d", hit.Locator.Page)
		}
		if hit.Locator.Section != "" {
			loc += ", " + hit.Locator.Section
		}
		if hit.Locator.TimestampEnd > 0 {
			loc += fmt.Sprintf(", %.0fs-%.0fs", hit.Locator.TimestampStart, hit.Locator.TimestampEnd)
		}
	case retrieval.OriginNote:
		loc = hit.Locator.NotePath
		if hit.Locator.Heading != "" {
			loc += " > " + hit.Locator.Heading
		}
	case retrieval.OriginWeb:
		loc = hit.Locator.URL
		if hit.Locator.Title != "" {
			loc = hit.Locator.Title + " (" + hit.Locator.URL + ")"
		}
	}
	return fmt.Sprintf("[%d] (%s: %s)\n%s\n\n", label, hit.Origin, loc, hit.Text)
}

func formatMemory(facts []MemoryFact) string {
	if len(facts) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("What you know about the user:\n")
	for _, f := range facts {
		fmt.Fprintf(&sb, "- [%s] %s\n", f.Category, f.Content)
	}
	sb.WriteString("\n")
	return sb.String()
}

func formatHistory(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	if len(turns) > maxHistoryTurns {
		turns = turns[len(turns)-maxHistoryTurns:]
	}
	var sb strings.Builder
	sb.WriteString("Conversation so far:\n")
	for _, t := range turns {
		role := "User"
		if t.Role == "assistant" {
			role = "Assistant"
		}
		fmt.Fprintf(&sb, "%s: %s\n", role, t.Content)
	}
	sb.WriteString("\n")
	return sb.String()
}

// truncateToTokens cuts text to approximately maxTokens, on a word
// boundary.
func truncateToTokens(text string, maxTokens int) string {
	words := strings.Fields(text)
	keep := maxTokens * 3 / 4
	if keep >= len(words) {
		return text
	}
	return strings.Join(words[:keep], " ") + "\n\n"
}
