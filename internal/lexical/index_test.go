package lexical

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcove-sh/alcove/internal/chunkstore"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "lowercases and splits",
			input: "Opening Range Breakout",
			want:  []string{"opening", "range", "breakout"},
		},
		{
			name:  "drops stopwords",
			input: "the price of the stock is high",
			want:  []string{"price", "stock", "high"},
		},
		{
			name:  "keeps digit runs",
			input: "first 30-minute high",
			want:  []string{"first", "30", "minute", "high"},
		},
		{
			name:  "unicode words survive",
			input: "Übernahme Café",
			want:  []string{"übernahme", "café"},
		},
		{
			name:  "empty input",
			input: "  \t ",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokenize(tt.input))
		})
	}
}

func seedStore(t *testing.T, texts map[string]string) *chunkstore.MemoryStore {
	t.Helper()
	store := chunkstore.NewMemoryStore()
	chunks := make([]chunkstore.Chunk, 0, len(texts))
	for id, text := range texts {
		chunks = append(chunks, chunkstore.Chunk{
			ID:     id,
			Text:   text,
			Vector: []float32{1},
			Meta: chunkstore.Metadata{
				DocumentID:  "doc-" + id,
				ContentType: chunkstore.ContentText,
				IngestedAt:  time.Now(),
			},
		})
	}
	require.NoError(t, store.Add(context.Background(), chunks))
	return store
}

func TestIndex_SearchRanksByRelevance(t *testing.T) {
	store := seedStore(t, map[string]string{
		"breakout": "The opening range breakout strategy enters long when price closes above the first 30-minute high.",
		"volume":   "Volume analysis compares current volume against the average of prior sessions.",
		"pasta":    "Bring a large pot of salted water to a boil and cook the pasta until al dente.",
	})

	ix := New()
	require.NoError(t, ix.RebuildFrom(context.Background(), store))
	assert.Equal(t, StateReady, ix.State())
	assert.Equal(t, 3, ix.Len())

	results, stale := ix.Search(context.Background(), "opening range breakout entry", 10)
	assert.False(t, stale)
	require.NotEmpty(t, results)
	assert.Equal(t, "breakout", results[0].ChunkID)
	for _, r := range results {
		assert.NotEqual(t, "pasta", r.ChunkID)
	}
}

func TestIndex_SearchBeforeBuildIsStale(t *testing.T) {
	ix := New()
	results, stale := ix.Search(context.Background(), "anything at all", 5)
	assert.Empty(t, results)
	assert.True(t, stale)
}

func TestIndex_SearchZeroKOrEmptyQuery(t *testing.T) {
	store := seedStore(t, map[string]string{"a": "some indexed text"})
	ix := New()
	require.NoError(t, ix.RebuildFrom(context.Background(), store))

	results, stale := ix.Search(context.Background(), "indexed", 0)
	assert.Empty(t, results)
	assert.False(t, stale)

	// A query made only of stopwords tokenizes to nothing.
	results, stale = ix.Search(context.Background(), "the of and", 5)
	assert.Empty(t, results)
	assert.False(t, stale)
}

func TestIndex_RebuildIsIdempotentForSameContents(t *testing.T) {
	store := seedStore(t, map[string]string{
		"a": "alpha beta gamma",
		"b": "beta gamma delta",
	})

	ix := New()
	require.NoError(t, ix.RebuildFrom(context.Background(), store))
	first, _ := ix.Search(context.Background(), "beta delta", 10)

	require.NoError(t, ix.RebuildFrom(context.Background(), store))
	second, _ := ix.Search(context.Background(), "beta delta", 10)

	assert.Equal(t, first, second)
}

func TestIndex_RebuildReflectsDeletes(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t, map[string]string{
		"keep": "retained chunk about momentum indicators",
		"gone": "transient chunk about momentum indicators",
	})

	ix := New()
	require.NoError(t, ix.RebuildFrom(ctx, store))
	results, _ := ix.Search(ctx, "momentum indicators", 10)
	require.Len(t, results, 2)

	_, err := store.DeleteByDocument(ctx, "doc-gone")
	require.NoError(t, err)
	require.NoError(t, ix.RebuildFrom(ctx, store))

	results, _ = ix.Search(ctx, "momentum indicators", 10)
	require.Len(t, results, 1)
	assert.Equal(t, "keep", results[0].ChunkID)
	assert.Equal(t, 1, ix.Len())
}

type failingStore struct {
	*chunkstore.MemoryStore
}

func (f *failingStore) List(ctx context.Context, filter *chunkstore.Filter, limit, offset int) ([]chunkstore.Chunk, error) {
	return nil, context.DeadlineExceeded
}

func TestIndex_FailedRebuildKeepsPreviousGeneration(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t, map[string]string{"a": "breakout strategy entry"})

	ix := New()
	require.NoError(t, ix.RebuildFrom(ctx, store))

	err := ix.RebuildFrom(ctx, &failingStore{store})
	require.ErrorIs(t, err, ErrRebuild)

	// Previous generation still serves.
	assert.Equal(t, StateReady, ix.State())
	results, stale := ix.Search(ctx, "breakout", 5)
	assert.False(t, stale)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ChunkID)
}

func TestIndex_TiesBreakOnChunkID(t *testing.T) {
	store := seedStore(t, map[string]string{
		"b-second": "identical text here",
		"a-first":  "identical text here",
	})

	ix := New()
	require.NoError(t, ix.RebuildFrom(context.Background(), store))
	results, _ := ix.Search(context.Background(), "identical text", 10)
	require.Len(t, results, 2)
	assert.Equal(t, "a-first", results[0].ChunkID)
	assert.Equal(t, "b-second", results[1].ChunkID)
}
