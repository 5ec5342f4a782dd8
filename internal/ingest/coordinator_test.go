package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcove-sh/alcove/internal/chunkstore"
	"github.com/alcove-sh/alcove/internal/lexical"
	"github.com/alcove-sh/alcove/internal/repository"
)

type fixedEmbedder struct {
	fail bool
}

func (e *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, fmt.Errorf("embedder down")
	}
	return []float32{float32(len(text) % 7), 1, 0}, nil
}

func (e *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *fixedEmbedder) Dimension() int    { return 3 }
func (e *fixedEmbedder) ModelName() string { return "fixed" }

type memDocRepo struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*repository.Document
}

func newMemDocRepo() *memDocRepo {
	return &memDocRepo{docs: make(map[uuid.UUID]*repository.Document)}
}

func (r *memDocRepo) Create(_ context.Context, doc *repository.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *doc
	r.docs[doc.ID] = &cp
	return nil
}

func (r *memDocRepo) GetByID(_ context.Context, id uuid.UUID) (*repository.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.docs[id]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (r *memDocRepo) GetByHash(_ context.Context, hash string) (*repository.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.docs {
		if d.ContentHash == hash {
			cp := *d
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memDocRepo) List(_ context.Context, status string, limit, offset int) ([]*repository.Document, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*repository.Document
	for _, d := range r.docs {
		if status == "" || d.Status == status {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (r *memDocRepo) UpdateStatus(_ context.Context, id uuid.UUID, status, errorMessage string, chunkCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.Status = status
	d.ErrorMessage = errorMessage
	d.ChunkCount = chunkCount
	return nil
}

func (r *memDocRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.docs, id)
	return nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, chunkstore.Store, *lexical.Index, *memDocRepo) {
	t.Helper()
	store := chunkstore.NewMemoryStore()
	ix := lexical.New()
	docs := newMemDocRepo()
	chunker := NewChunker(ChunkerConfig{Method: "paragraph", TargetWords: 50})
	coord := NewCoordinator(store, ix, &fixedEmbedder{}, docs, chunker, nil)
	return coord, store, ix, docs
}

const sampleDoc = `# Trading Rules

The opening range breakout strategy enters long when price closes above the first thirty minute high.

# Risk

Position size never exceeds two percent of account equity per trade.`

func TestIngestTextIndexesBothSides(t *testing.T) {
	coord, store, ix, docs := newTestCoordinator(t)
	ctx := context.Background()

	res, err := coord.IngestText(ctx, "upload", "rules.md", "text", sampleDoc)
	require.NoError(t, err)
	assert.Greater(t, res.Chunks, 0)

	// Chunk store and lexical index agree on membership.
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Chunks, count)
	assert.Equal(t, res.Chunks, ix.Len())

	// Lexical search finds the content immediately.
	hits, stale := ix.Search(ctx, "opening range breakout", 5)
	assert.False(t, stale)
	assert.NotEmpty(t, hits)

	doc, err := docs.GetByID(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusIndexed, doc.Status)
	assert.Equal(t, res.Chunks, doc.ChunkCount)
}

func TestIngestBumpsVersionOnce(t *testing.T) {
	coord, store, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	var notified []uint64
	coord.OnVersionChange(func(old uint64) { notified = append(notified, old) })

	before := store.Version()
	res, err := coord.IngestText(ctx, "upload", "rules.md", "text", sampleDoc)
	require.NoError(t, err)

	assert.Greater(t, res.Version, before)
	assert.Equal(t, []uint64{before}, notified)
}

func TestIngestSameContentIsNoOp(t *testing.T) {
	coord, store, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	first, err := coord.IngestText(ctx, "upload", "rules.md", "text", sampleDoc)
	require.NoError(t, err)

	versionAfterFirst := store.Version()
	second, err := coord.IngestText(ctx, "upload", "rules-copy.md", "text", sampleDoc)
	require.NoError(t, err)

	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Equal(t, versionAfterFirst, store.Version())
}

func TestIngestEmbedderFailureMarksFailed(t *testing.T) {
	store := chunkstore.NewMemoryStore()
	ix := lexical.New()
	docs := newMemDocRepo()
	coord := NewCoordinator(store, ix, &fixedEmbedder{fail: true}, docs, nil, nil)
	ctx := context.Background()

	_, err := coord.IngestText(ctx, "upload", "rules.md", "text", sampleDoc)
	require.Error(t, err)

	// Nothing landed in the store.
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	failed, _, err := docs.List(ctx, repository.StatusFailed, 10, 0)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestDeleteDocumentRemovesBothSides(t *testing.T) {
	coord, store, ix, docs := newTestCoordinator(t)
	ctx := context.Background()

	res, err := coord.IngestText(ctx, "upload", "rules.md", "text", sampleDoc)
	require.NoError(t, err)

	versionBefore := store.Version()
	removed, err := coord.DeleteDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, res.Chunks, removed)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, ix.Len())
	assert.Greater(t, store.Version(), versionBefore)

	_, err = docs.GetByID(ctx, res.DocumentID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDeleteUnknownDocument(t *testing.T) {
	coord, store, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	versionBefore := store.Version()
	removed, err := coord.DeleteDocument(ctx, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Equal(t, versionBefore, store.Version())
}
