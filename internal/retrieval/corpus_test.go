package retrieval

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcove-sh/alcove/internal/chunkstore"
	"github.com/alcove-sh/alcove/internal/lexical"
	"github.com/alcove-sh/alcove/internal/reranker"
)

// stubEmbedder returns a fixed vector for any input.
type stubEmbedder struct {
	vec  []float32
	fail bool
}

func (e *stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if e.fail {
		return nil, fmt.Errorf("embedder down")
	}
	return e.vec, nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := e.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *stubEmbedder) Dimension() int    { return len(e.vec) }
func (e *stubEmbedder) ModelName() string { return "stub" }

// stubReranker scores documents by a fixed map from text to score, or fails.
type stubReranker struct {
	scores map[string]float64
	fail   bool
	called bool
}

func (r *stubReranker) Rerank(_ context.Context, _ string, docs []string) ([]reranker.Score, error) {
	r.called = true
	if r.fail {
		return nil, fmt.Errorf("reranker down")
	}
	out := make([]reranker.Score, len(docs))
	for i, d := range docs {
		out[i] = reranker.Score{Index: i, Value: r.scores[d]}
	}
	return out, nil
}

func (r *stubReranker) Ping(context.Context) error { return nil }

func defaultOpts() CorpusOptions {
	return CorpusOptions{
		LexicalTopK:   10,
		SemanticTopK:  10,
		RerankTopK:    5,
		MinScore:      0,
		BranchTimeout: time.Second,
		RerankTimeout: time.Second,
	}
}

func seedStore(t *testing.T, chunks []chunkstore.Chunk) chunkstore.Store {
	t.Helper()
	store := chunkstore.NewMemoryStore()
	require.NoError(t, store.Add(context.Background(), chunks))
	return store
}

func buildIndex(t *testing.T, store chunkstore.Store) *lexical.Index {
	t.Helper()
	ix := lexical.New()
	require.NoError(t, ix.RebuildFrom(context.Background(), store))
	return ix
}

func TestSearchMergesBranchesByChunkID(t *testing.T) {
	store := seedStore(t, []chunkstore.Chunk{
		{ID: "c1", Text: "golang concurrency patterns with channels", Vector: []float32{1, 0, 0}},
		{ID: "c2", Text: "python asyncio event loops", Vector: []float32{0.9, 0.1, 0}},
		{ID: "c3", Text: "gardening tips for spring tomatoes", Vector: []float32{0, 0, 1}},
	})
	ix := buildIndex(t, store)
	embed := &stubEmbedder{vec: []float32{1, 0, 0}}
	rr := &stubReranker{scores: map[string]float64{
		"golang concurrency patterns with channels": 0.95,
		"python asyncio event loops":                0.40,
		"gardening tips for spring tomatoes":        0.05,
	}}

	r := NewCorpusRetriever(store, ix, embed, rr, nil)
	res, err := r.Search(context.Background(), "golang concurrency channels", defaultOpts())
	require.NoError(t, err)

	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "c1", res.Hits[0].ID)
	assert.False(t, res.RerankFallback)

	// c1 matched both branches, so it carries both scores plus rerank.
	top := res.Hits[0]
	assert.NotNil(t, top.Lexical)
	assert.NotNil(t, top.Semantic)
	require.NotNil(t, top.Rerank)
	assert.InDelta(t, 0.95, *top.Rerank, 1e-9)

	// Every hit in the list carries a rerank score.
	for _, h := range res.Hits {
		assert.NotNil(t, h.Rerank, "hit %s missing rerank score", h.ID)
		assert.Equal(t, OriginCorpus, h.Origin)
	}
}

func TestSearchRerankTopKZeroSkipsEverything(t *testing.T) {
	store := seedStore(t, []chunkstore.Chunk{
		{ID: "c1", Text: "some text", Vector: []float32{1, 0, 0}},
	})
	ix := buildIndex(t, store)
	rr := &stubReranker{}

	opts := defaultOpts()
	opts.RerankTopK = 0

	r := NewCorpusRetriever(store, ix, &stubEmbedder{vec: []float32{1, 0, 0}}, rr, nil)
	res, err := r.Search(context.Background(), "some text", opts)
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
	assert.False(t, rr.called)
}

func TestSearchBothTopKZeroSkipsEmbedder(t *testing.T) {
	store := seedStore(t, []chunkstore.Chunk{
		{ID: "c1", Text: "some text", Vector: []float32{1, 0, 0}},
	})
	ix := buildIndex(t, store)
	embed := &stubEmbedder{vec: []float32{1, 0, 0}, fail: true}

	opts := defaultOpts()
	opts.LexicalTopK = 0
	opts.SemanticTopK = 0

	r := NewCorpusRetriever(store, ix, embed, &stubReranker{}, nil)
	res, err := r.Search(context.Background(), "some text", opts)
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
	assert.False(t, res.EmbedderDegraded)
}

func TestSearchEmbedderFailureDegradesToLexical(t *testing.T) {
	store := seedStore(t, []chunkstore.Chunk{
		{ID: "c1", Text: "kubernetes cluster autoscaling behavior", Vector: []float32{1, 0, 0}},
		{ID: "c2", Text: "unrelated cooking recipe collection", Vector: []float32{0, 1, 0}},
	})
	ix := buildIndex(t, store)
	embed := &stubEmbedder{vec: []float32{1, 0, 0}, fail: true}
	rr := &stubReranker{scores: map[string]float64{
		"kubernetes cluster autoscaling behavior": 0.9,
	}}

	r := NewCorpusRetriever(store, ix, embed, rr, nil)
	res, err := r.Search(context.Background(), "kubernetes autoscaling", defaultOpts())
	require.NoError(t, err)

	assert.True(t, res.EmbedderDegraded)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "c1", res.Hits[0].ID)
	assert.NotNil(t, res.Hits[0].Lexical)
	assert.Nil(t, res.Hits[0].Semantic)
}

func TestSearchRerankerFailureUsesWeightedFallback(t *testing.T) {
	store := seedStore(t, []chunkstore.Chunk{
		{ID: "both", Text: "database indexing strategies for postgres", Vector: []float32{1, 0, 0}},
		{ID: "semonly", Text: "storage engine internals overview", Vector: []float32{0.95, 0.05, 0}},
	})
	ix := buildIndex(t, store)
	embed := &stubEmbedder{vec: []float32{1, 0, 0}}
	rr := &stubReranker{fail: true}

	r := NewCorpusRetriever(store, ix, embed, rr, nil)
	res, err := r.Search(context.Background(), "postgres indexing strategies", defaultOpts())
	require.NoError(t, err)

	assert.True(t, res.RerankFallback)
	require.NotEmpty(t, res.Hits)

	// The hit present in both branches outranks the semantic-only hit.
	assert.Equal(t, "both", res.Hits[0].ID)
	for _, h := range res.Hits {
		require.NotNil(t, h.Rerank)
	}
}

func TestSearchMinScoreFilters(t *testing.T) {
	store := seedStore(t, []chunkstore.Chunk{
		{ID: "c1", Text: "relevant retrieval augmented generation", Vector: []float32{1, 0, 0}},
		{ID: "c2", Text: "barely related side topic mention", Vector: []float32{0.5, 0.5, 0}},
	})
	ix := buildIndex(t, store)
	embed := &stubEmbedder{vec: []float32{1, 0, 0}}
	rr := &stubReranker{scores: map[string]float64{
		"relevant retrieval augmented generation": 0.9,
		"barely related side topic mention":       0.1,
	}}

	opts := defaultOpts()
	opts.MinScore = 0.5

	r := NewCorpusRetriever(store, ix, embed, rr, nil)
	res, err := r.Search(context.Background(), "retrieval augmented generation", opts)
	require.NoError(t, err)

	require.Len(t, res.Hits, 1)
	assert.Equal(t, "c1", res.Hits[0].ID)
}

func TestSearchNearDuplicatesCollapseBeforeRerank(t *testing.T) {
	dup := "the quarterly revenue grew twelve percent year over year driven by subscriptions"
	store := seedStore(t, []chunkstore.Chunk{
		{ID: "a1", Text: dup, Vector: []float32{1, 0, 0}},
		{ID: "a2", Text: dup + " according to the filing", Vector: []float32{0.99, 0.01, 0}},
		{ID: "b1", Text: "completely different topic about marine biology", Vector: []float32{0, 1, 0}},
	})
	ix := buildIndex(t, store)
	embed := &stubEmbedder{vec: []float32{1, 0, 0}}

	var seenDocs []string
	rr := &recordingReranker{onDocs: func(docs []string) { seenDocs = docs }}

	r := NewCorpusRetriever(store, ix, embed, rr, nil)
	_, err := r.Search(context.Background(), "quarterly revenue subscriptions", defaultOpts())
	require.NoError(t, err)

	dupCount := 0
	for _, d := range seenDocs {
		if d == dup || d == dup+" according to the filing" {
			dupCount++
		}
	}
	assert.Equal(t, 1, dupCount, "near-duplicate texts must be collapsed before rerank")
}

type recordingReranker struct {
	onDocs func([]string)
}

func (r *recordingReranker) Rerank(_ context.Context, _ string, docs []string) ([]reranker.Score, error) {
	if r.onDocs != nil {
		r.onDocs(docs)
	}
	out := make([]reranker.Score, len(docs))
	for i := range docs {
		out[i] = reranker.Score{Index: i, Value: 1 - float64(i)*0.1}
	}
	return out, nil
}

func (r *recordingReranker) Ping(context.Context) error { return nil }

func TestSearchDeterministicTieBreak(t *testing.T) {
	store := seedStore(t, []chunkstore.Chunk{
		{ID: "zz", Text: "apple orchard harvest season notes", Vector: []float32{1, 0, 0}},
		{ID: "aa", Text: "banana plantation yield report summary", Vector: []float32{1, 0, 0}},
	})
	ix := buildIndex(t, store)
	embed := &stubEmbedder{vec: []float32{1, 0, 0}}
	rr := &stubReranker{scores: map[string]float64{
		"apple orchard harvest season notes":     0.5,
		"banana plantation yield report summary": 0.5,
	}}

	r := NewCorpusRetriever(store, ix, embed, rr, nil)

	var first []string
	for run := 0; run < 3; run++ {
		res, err := r.Search(context.Background(), "harvest yield", defaultOpts())
		require.NoError(t, err)
		ids := make([]string, len(res.Hits))
		for i, h := range res.Hits {
			ids[i] = h.ID
		}
		if run == 0 {
			first = ids
			// Equal rerank and semantic scores break on chunk id.
			require.Len(t, ids, 2)
			assert.Equal(t, "aa", ids[0])
		} else {
			assert.Equal(t, first, ids)
		}
	}
}

func TestSearchEmptyCandidatesSkipsReranker(t *testing.T) {
	store := chunkstore.NewMemoryStore()
	ix := lexical.New()
	require.NoError(t, ix.RebuildFrom(context.Background(), store))
	rr := &stubReranker{}

	r := NewCorpusRetriever(store, ix, &stubEmbedder{vec: []float32{1, 0, 0}}, rr, nil)
	res, err := r.Search(context.Background(), "anything", defaultOpts())
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
	assert.False(t, rr.called)
}
