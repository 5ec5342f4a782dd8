package retrieval

import (
	"context"

	"github.com/alcove-sh/alcove/internal/notes"
)

// NotesRetriever adapts the notes backend into the common hit shape.
type NotesRetriever struct {
	client *notes.Client
}

// NewNotesRetriever wraps a notes client; a nil client yields a retriever
// whose Available always reports false.
func NewNotesRetriever(client *notes.Client) *NotesRetriever {
	return &NotesRetriever{client: client}
}

// Available reports whether the notes backend answers.
func (r *NotesRetriever) Available(ctx context.Context) bool {
	return r.client.Available(ctx)
}

// Search queries the vault and normalizes hits. Vault relevance scores map
// onto the semantic score slot so cross-source merge has something to sort
// by; note hits never carry lexical or rerank scores.
func (r *NotesRetriever) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	raw, err := r.client.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(raw))
	for _, h := range raw {
		hits = append(hits, Hit{
			ID:     h.Path + "#" + h.Heading,
			Text:   h.Excerpt,
			Origin: OriginNote,
			Locator: Locator{
				NotePath: h.Path,
				Heading:  h.Heading,
			},
			Semantic: ptr(h.Score),
		})
	}
	return hits, nil
}
