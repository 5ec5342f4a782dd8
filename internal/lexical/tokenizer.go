package lexical

import (
	"regexp"
	"strings"
)

// wordRE splits on Unicode letter runs (with combining marks) and digit runs.
var wordRE = regexp.MustCompile(`\p{L}[\p{L}\p{M}]*|\p{N}+`)

// Tokenize is the index's tokenizer contract: lowercasing, Unicode-aware
// word splitting, stopword removal, no stemming. Changing it invalidates
// every posting list, so the query path and the build path share this one
// function.
func Tokenize(text string) []string {
	matches := wordRE.FindAllString(strings.ToLower(text), -1)
	if len(matches) == 0 {
		return nil
	}
	tokens := matches[:0]
	for _, m := range matches {
		if _, stop := stopwords[m]; stop {
			continue
		}
		tokens = append(tokens, m)
	}
	return tokens
}

// stopwords is a fixed English list. Deliberately short: aggressive stopword
// removal hurts phrase-heavy queries more than it helps index size.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "had": {}, "has": {},
	"have": {}, "he": {}, "her": {}, "his": {}, "i": {}, "if": {}, "in": {},
	"into": {}, "is": {}, "it": {}, "its": {}, "my": {}, "no": {}, "not": {},
	"of": {}, "on": {}, "or": {}, "our": {}, "she": {}, "so": {}, "such": {},
	"that": {}, "the": {}, "their": {}, "then": {}, "there": {}, "these": {},
	"they": {}, "this": {}, "to": {}, "was": {}, "we": {}, "were": {},
	"what": {}, "when": {}, "which": {}, "who": {}, "will": {}, "with": {},
	"you": {}, "your": {},
}
