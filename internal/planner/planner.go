// Package planner turns a user prompt into an ordered list of search
// queries. A deterministic rule pass always runs; a small LLM call expands
// short or web-bound queries into tagged reformulations. Planning never
// fails a request: the worst case is the original query, intent general.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alcove-sh/alcove/internal/llm"
)

// Intent is the closed set of query intent tags.
type Intent string

const (
	IntentNews          Intent = "news"
	IntentAnalysis      Intent = "analysis"
	IntentData          Intent = "data"
	IntentGeneral       Intent = "general"
	IntentCommentary    Intent = "commentary"
	IntentClarification Intent = "clarification"
)

var validIntents = map[Intent]bool{
	IntentNews: true, IntentAnalysis: true, IntentData: true,
	IntentGeneral: true, IntentCommentary: true, IntentClarification: true,
}

// SearchQuery is one planned retrieval query.
type SearchQuery struct {
	Text     string   `json:"text"`
	Intent   Intent   `json:"intent"`
	Entities []string `json:"entities,omitempty"`
	Priority int      `json:"priority"`

	// ExpansionOf is the original user query this was derived from. The
	// original query itself carries its own text here.
	ExpansionOf string `json:"expansion_of"`
}

const (
	// expansionTemperature keeps reformulations close to the original.
	expansionTemperature = 0.3

	// expansionMaxTokens caps the LLM plan output.
	expansionMaxTokens = 300

	maxExpansions = 5
)

const expansionSystemPrompt = `You reformulate a user's question into search queries. Respond with a JSON array only, no prose. Each element: {"text": string, "intent": one of "news"|"analysis"|"data"|"general"|"commentary"|"clarification", "priority": integer 1-5}. Produce 1 to 5 elements, highest priority first. Keep each query short and self-contained.`

// Planner produces search queries for the fan-out.
type Planner struct {
	client        llm.Client
	model         string
	minQueryWords int
	logger        *slog.Logger
}

// New creates a planner. The LLM expansion runs only for queries shorter
// than minQueryWords words, or when the caller forces expansion (web and
// combined modes).
func New(client llm.Client, model string, minQueryWords int, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{client: client, model: model, minQueryWords: minQueryWords, logger: logger}
}

// Plan returns at least one query, sorted by descending priority. The
// original query is always first among equal priorities.
func (p *Planner) Plan(ctx context.Context, query string, forceExpansion bool) []SearchQuery {
	signals := ExtractSignals(query)

	original := SearchQuery{
		Text:        query,
		Intent:      baseIntent(signals),
		Entities:    signals.entities(),
		Priority:    5,
		ExpansionOf: query,
	}

	needExpansion := forceExpansion || wordCount(query) < p.minQueryWords
	if !needExpansion || p.client == nil {
		return []SearchQuery{original}
	}

	expansions := p.expand(ctx, query, signals)

	queries := append([]SearchQuery{original}, expansions...)
	sort.SliceStable(queries, func(i, j int) bool {
		return queries[i].Priority > queries[j].Priority
	})
	return queries
}

// expand asks the generator for reformulations. Malformed output gets one
// retry; after that the expansion is dropped and planning continues with
// the original query alone.
func (p *Planner) expand(ctx context.Context, query string, signals Signals) []SearchQuery {
	prompt := buildExpansionPrompt(query, signals)

	for attempt := 0; attempt < 2; attempt++ {
		raw, _, err := p.client.Generate(ctx, prompt, llm.GenerateOptions{
			Model:       p.model,
			System:      expansionSystemPrompt,
			Temperature: expansionTemperature,
			MaxTokens:   expansionMaxTokens,
		})
		if err != nil {
			p.logger.Warn("planner expansion failed", "error", err, "attempt", attempt+1)
			return nil
		}

		expansions, err := parseExpansions(raw, query, signals)
		if err == nil {
			return expansions
		}
		p.logger.Warn("planner output malformed", "error", err, "attempt", attempt+1)
	}
	return nil
}

func buildExpansionPrompt(query string, signals Signals) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n", query)
	if len(signals.Tickers) > 0 {
		fmt.Fprintf(&sb, "Detected symbols: %s\n", strings.Join(signals.Tickers, ", "))
	}
	if len(signals.Indicators) > 0 {
		fmt.Fprintf(&sb, "Detected indicators: %s\n", strings.Join(signals.Indicators, ", "))
	}
	if signals.HasTimeSensitivity() {
		sb.WriteString("The question is time-sensitive; include at least one news-intent query.\n")
	}
	return sb.String()
}

func parseExpansions(raw, original string, signals Signals) ([]SearchQuery, error) {
	raw = stripCodeFence(raw)

	start := strings.IndexByte(raw, '[')
	end := strings.LastIndexByte(raw, ']')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in output")
	}

	var decoded []SearchQuery
	if err := json.Unmarshal([]byte(raw[start:end+1]), &decoded); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	if len(decoded) == 0 {
		return nil, fmt.Errorf("empty plan")
	}

	entities := signals.entities()
	out := make([]SearchQuery, 0, maxExpansions)
	for _, q := range decoded {
		q.Text = strings.TrimSpace(q.Text)
		if q.Text == "" || strings.EqualFold(q.Text, original) {
			continue
		}
		if !validIntents[q.Intent] {
			q.Intent = IntentGeneral
		}
		if q.Priority < 1 || q.Priority > 5 {
			q.Priority = 3
		}
		q.Entities = entities
		q.ExpansionOf = original
		out = append(out, q)
		if len(out) == maxExpansions {
			break
		}
	}
	return out, nil
}

func baseIntent(signals Signals) Intent {
	switch {
	case signals.HasTimeSensitivity():
		return IntentNews
	case len(signals.Indicators) > 0:
		return IntentAnalysis
	case len(signals.Tickers) > 0 || len(signals.Dates) > 0:
		return IntentData
	default:
		return IntentGeneral
	}
}

func (s Signals) entities() []string {
	var out []string
	out = append(out, s.Tickers...)
	out = append(out, s.Dates...)
	out = append(out, s.Indicators...)
	if len(out) == 0 {
		return nil
	}
	return out
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return s
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
