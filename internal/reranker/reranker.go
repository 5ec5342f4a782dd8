// Package reranker scores (query, text) pairs with a cross-encoder.
//
// The cross-encoder sees query and candidate together, which beats the
// bi-encoder similarity scores when the top-k candidates are close. It costs
// one extra inference call per request; the corpus retriever budgets that
// call separately from the retrieval branches and falls back to a weighted
// merge when it times out.
package reranker

import "context"

// Score is the cross-encoder relevance for one input document, addressed by
// its position in the submitted slice.
type Score struct {
	Index int
	Value float64
}

// Reranker scores documents against a query in a single batched call.
// Implementations return one Score per input document, in any order.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]Score, error)

	// Ping reports whether the scoring backend is reachable.
	Ping(ctx context.Context) error
}
