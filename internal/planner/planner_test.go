package planner

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcove-sh/alcove/internal/llm"
)

type scriptedLLM struct {
	responses []string
	calls     int
	err       error
}

func (s *scriptedLLM) Generate(_ context.Context, _ string, _ llm.GenerateOptions) (string, llm.Stats, error) {
	s.calls++
	if s.err != nil {
		return "", llm.Stats{}, s.err
	}
	i := s.calls - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], llm.Stats{}, nil
}

func (s *scriptedLLM) ListModels(context.Context) ([]llm.ModelInfo, error) { return nil, nil }
func (s *scriptedLLM) Ping(context.Context) error                         { return nil }

func TestExtractSignals(t *testing.T) {
	s := ExtractSignals(`How did $NVDA and SHOP.TO react to the CPI print on 2025-06-11? Compare "soft landing" odds this week.`)

	assert.ElementsMatch(t, []string{"$NVDA", "SHOP.TO"}, s.Tickers)
	assert.Equal(t, []string{"2025-06-11"}, s.Dates)
	assert.Contains(t, s.Indicators, "cpi")
	assert.Equal(t, []string{"soft landing"}, s.QuotedPhrases)
	assert.Equal(t, []string{"this week"}, s.TimeRefs)
	assert.True(t, s.HasTimeSensitivity())
}

func TestExtractSignalsPlainQuery(t *testing.T) {
	s := ExtractSignals("how does a heat pump work")
	assert.Empty(t, s.Tickers)
	assert.Empty(t, s.Dates)
	assert.Empty(t, s.Indicators)
	assert.False(t, s.HasTimeSensitivity())
}

func TestPlanLongQuerySkipsLLM(t *testing.T) {
	client := &scriptedLLM{responses: []string{"should not be called"}}
	p := New(client, "planner-model", 4, nil)

	queries := p.Plan(context.Background(), "explain the difference between mutexes and channels in detail", false)

	require.Len(t, queries, 1)
	assert.Equal(t, 0, client.calls)
	assert.Equal(t, IntentGeneral, queries[0].Intent)
	assert.Equal(t, 5, queries[0].Priority)
}

func TestPlanShortQueryExpands(t *testing.T) {
	client := &scriptedLLM{responses: []string{
		`[{"text":"NVDA earnings report latest","intent":"news","priority":4},{"text":"NVDA revenue growth analysis","intent":"analysis","priority":2}]`,
	}}
	p := New(client, "planner-model", 10, nil)

	queries := p.Plan(context.Background(), "$NVDA earnings", false)

	require.Len(t, queries, 3)
	// Original first (priority 5), then by descending priority.
	assert.Equal(t, "$NVDA earnings", queries[0].Text)
	assert.Equal(t, "NVDA earnings report latest", queries[1].Text)
	assert.Equal(t, IntentNews, queries[1].Intent)
	assert.Equal(t, "NVDA revenue growth analysis", queries[2].Text)
	for _, q := range queries {
		assert.Equal(t, "$NVDA earnings", q.ExpansionOf)
	}
}

func TestPlanMalformedOutputRetriesOnce(t *testing.T) {
	client := &scriptedLLM{responses: []string{
		"I think you should search for...",
		`[{"text":"retry worked","intent":"general","priority":3}]`,
	}}
	p := New(client, "planner-model", 10, nil)

	queries := p.Plan(context.Background(), "short query", false)

	assert.Equal(t, 2, client.calls)
	require.Len(t, queries, 2)
	assert.Equal(t, "retry worked", queries[1].Text)
}

func TestPlanMalformedTwiceFallsBackToOriginal(t *testing.T) {
	client := &scriptedLLM{responses: []string{"garbage", "more garbage"}}
	p := New(client, "planner-model", 10, nil)

	queries := p.Plan(context.Background(), "short query", false)

	assert.Equal(t, 2, client.calls)
	require.Len(t, queries, 1)
	assert.Equal(t, "short query", queries[0].Text)
	assert.Equal(t, IntentGeneral, queries[0].Intent)
}

func TestPlanLLMErrorFallsBackToOriginal(t *testing.T) {
	client := &scriptedLLM{err: fmt.Errorf("runtime down")}
	p := New(client, "planner-model", 10, nil)

	queries := p.Plan(context.Background(), "short query", false)

	require.Len(t, queries, 1)
	assert.Equal(t, "short query", queries[0].Text)
}

func TestPlanForceExpansion(t *testing.T) {
	client := &scriptedLLM{responses: []string{
		`[{"text":"expanded form","intent":"news","priority":1}]`,
	}}
	p := New(client, "planner-model", 2, nil)

	// Long enough to skip expansion normally, but forced for web mode.
	queries := p.Plan(context.Background(), "a query with plenty of words in it already", true)
	assert.Equal(t, 1, client.calls)
	require.Len(t, queries, 2)
}

func TestParseExpansionsValidation(t *testing.T) {
	raw := "```json\n" + `[
		{"text":"good","intent":"news","priority":4},
		{"text":"","intent":"news","priority":4},
		{"text":"bad intent","intent":"prophecy","priority":9},
		{"text":"the original","intent":"general","priority":1}
	]` + "\n```"

	out, err := parseExpansions(raw, "the original", Signals{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "good", out[0].Text)
	assert.Equal(t, IntentGeneral, out[1].Intent)
	assert.Equal(t, 3, out[1].Priority)
}
