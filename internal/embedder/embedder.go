// Package embedder provides interfaces and implementations for text embedding.
package embedder

import "context"

// Embedder turns text into fixed-dimension vectors. The corpus retriever
// treats vectors as opaque; only the chunk store interprets them.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple texts, in input
	// order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}
