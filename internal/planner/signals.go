package planner

import (
	"regexp"
	"strings"
)

// Signals are the deterministic extractions from a user query. They feed
// the LLM expansion prompt and survive it unchanged.
type Signals struct {
	Tickers       []string
	Dates         []string
	Indicators    []string
	QuotedPhrases []string
	TimeRefs      []string
}

var (
	// Dollar-prefixed or bare upper-case symbols, 1-5 letters. Bare symbols
	// require the dollar prefix or a following exchange suffix to avoid
	// swallowing ordinary acronyms.
	tickerRE = regexp.MustCompile(`\$[A-Z]{1,5}\b|\b[A-Z]{1,5}\.(?:TO|L|HK|DE)\b`)

	dateRE = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\.?\s+\d{1,2}(?:,?\s+\d{4})?\b|\b\d{1,2}/\d{1,2}/\d{2,4}\b`)

	quotedRE = regexp.MustCompile(`"([^"]{2,120})"|'([^']{2,120})'`)

	timeRefRE = regexp.MustCompile(`(?i)\b(today|yesterday|tomorrow|this (?:week|month|quarter|year)|last (?:week|month|quarter|year)|recent(?:ly)?|latest|now|currently)\b`)
)

// indicatorTerms are well-known market and macro indicator names matched
// case-insensitively as whole words.
var indicatorTerms = []string{
	"rsi", "macd", "sma", "ema", "vwap", "bollinger",
	"cpi", "ppi", "gdp", "pmi", "nfp", "fomc",
	"p/e", "eps", "ebitda", "yield curve", "vix",
	"moving average", "volume", "volatility", "momentum",
	"support", "resistance", "inflation", "interest rate",
}

// ExtractSignals runs the rule pass over a raw user query. It is cheap and
// always runs, whether or not the LLM expansion follows.
func ExtractSignals(query string) Signals {
	var s Signals

	s.Tickers = dedupeStrings(tickerRE.FindAllString(query, -1))
	s.Dates = dedupeStrings(dateRE.FindAllString(query, -1))

	for _, m := range quotedRE.FindAllStringSubmatch(query, -1) {
		phrase := m[1]
		if phrase == "" {
			phrase = m[2]
		}
		s.QuotedPhrases = append(s.QuotedPhrases, phrase)
	}
	s.QuotedPhrases = dedupeStrings(s.QuotedPhrases)

	for _, m := range timeRefRE.FindAllString(query, -1) {
		s.TimeRefs = append(s.TimeRefs, strings.ToLower(m))
	}
	s.TimeRefs = dedupeStrings(s.TimeRefs)

	lower := strings.ToLower(query)
	for _, term := range indicatorTerms {
		if containsWord(lower, term) {
			s.Indicators = append(s.Indicators, term)
		}
	}

	return s
}

// HasTimeSensitivity reports whether the query references a moving "now".
// Time-sensitive queries bias planning toward the news intent.
func (s Signals) HasTimeSensitivity() bool {
	return len(s.TimeRefs) > 0
}

func containsWord(haystack, word string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordByte(haystack[start-1])
		afterOK := end == len(haystack) || !isWordByte(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
