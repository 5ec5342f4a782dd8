package retrieval

import (
	"context"

	"github.com/alcove-sh/alcove/internal/websearch"
)

// WebRetriever adapts the metasearch engine plus page materialization into
// the common hit shape. Only materialized pages become hits; snippet-only
// results are dropped.
type WebRetriever struct {
	searcher   *websearch.Searcher
	maxResults int
	maxPages   int
}

// NewWebRetriever wraps a web searcher. maxResults bounds metasearch hits
// considered, maxPages bounds how many of those are fetched and extracted.
func NewWebRetriever(searcher *websearch.Searcher, maxResults, maxPages int) *WebRetriever {
	if maxPages > maxResults {
		maxPages = maxResults
	}
	return &WebRetriever{searcher: searcher, maxResults: maxResults, maxPages: maxPages}
}

// Search queries the engine and materializes up to the configured default
// number of pages. Rank order is preserved; hits carry no branch scores,
// only position.
func (r *WebRetriever) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	return r.SearchPages(ctx, query, k, r.maxPages)
}

// SearchPages is Search with an explicit page-materialization bound, for
// callers carrying a per-request setting.
func (r *WebRetriever) SearchPages(ctx context.Context, query string, k, pages int) ([]Hit, error) {
	limit := r.maxResults
	if k > 0 && k < limit {
		limit = k
	}

	results, err := r.searcher.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	fetched := r.searcher.Materialize(ctx, results, pages)

	hits := make([]Hit, 0, len(fetched))
	for _, p := range fetched {
		hits = append(hits, Hit{
			ID:     p.URL,
			Text:   p.Text,
			Origin: OriginWeb,
			Locator: Locator{
				URL:   p.URL,
				Title: p.Title,
			},
		})
	}
	return hits, nil
}
