package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alcove-sh/alcove/internal/chunkstore"
	"github.com/alcove-sh/alcove/internal/embedder"
	"github.com/alcove-sh/alcove/internal/lexical"
	"github.com/alcove-sh/alcove/internal/repository"
)

// Result summarizes one ingest batch.
type Result struct {
	DocumentID uuid.UUID
	Chunks     int
	Version    uint64
}

// Coordinator serializes mutations of the chunk store and the lexical
// index. Every batch is: store write, lexical rebuild, then the version
// change becomes visible. Concurrent ingests queue on the mutex; the query
// path never does.
type Coordinator struct {
	store     chunkstore.Store
	index     *lexical.Index
	embed     embedder.Embedder
	documents repository.DocumentRepository
	chunker   *Chunker
	logger    *slog.Logger

	// onVersionChange, when set, receives the superseded corpus version
	// after a batch settles. The cache uses it for eager eviction.
	onVersionChange func(oldVersion uint64)

	mu sync.Mutex
}

// NewCoordinator wires the ingest path. documents may be nil when no
// registry is configured.
func NewCoordinator(store chunkstore.Store, index *lexical.Index, embed embedder.Embedder, documents repository.DocumentRepository, chunker *Chunker, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if chunker == nil {
		chunker = NewChunker(ChunkerConfig{})
	}
	return &Coordinator{
		store:     store,
		index:     index,
		embed:     embed,
		documents: documents,
		chunker:   chunker,
		logger:    logger,
	}
}

// OnVersionChange registers the eviction hook. Call before serving.
func (c *Coordinator) OnVersionChange(fn func(oldVersion uint64)) {
	c.onVersionChange = fn
}

// IngestText chunks, embeds, and indexes one document. Reingesting content
// already registered (same hash) is a no-op returning the existing
// document.
func (c *Coordinator) IngestText(ctx context.Context, source, title, contentType, content string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := contentHash(content)
	if c.documents != nil {
		if existing, err := c.documents.GetByHash(ctx, hash); err == nil {
			return Result{DocumentID: existing.ID, Chunks: existing.ChunkCount, Version: c.store.Version()}, nil
		}
	}

	pieces := c.chunker.Chunk(content)
	if len(pieces) == 0 {
		return Result{}, fmt.Errorf("document %q produced no chunks", title)
	}

	docID := uuid.New()
	now := time.Now().UTC()

	if c.documents != nil {
		doc := &repository.Document{
			ID:          docID,
			Source:      source,
			Title:       title,
			ContentType: contentType,
			ContentHash: hash,
			Status:      repository.StatusPending,
			Metadata:    map[string]string{},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := c.documents.Create(ctx, doc); err != nil {
			return Result{}, fmt.Errorf("registering document: %w", err)
		}
	}

	chunks, err := c.buildChunks(ctx, docID, contentType, pieces, now)
	if err != nil {
		c.markFailed(ctx, docID, err)
		return Result{}, err
	}

	oldVersion := c.store.Version()

	if err := c.store.Add(ctx, chunks); err != nil {
		c.markFailed(ctx, docID, err)
		return Result{}, fmt.Errorf("writing chunks: %w", err)
	}

	if err := c.index.RebuildFrom(ctx, c.store); err != nil {
		// The store write landed but the index did not pick it up. Roll the
		// chunks back so neither side holds orphans.
		if _, derr := c.store.DeleteByDocument(ctx, docID.String()); derr != nil {
			c.logger.Error("rollback after rebuild failure also failed", "doc_id", docID, "error", derr)
		}
		c.markFailed(ctx, docID, err)
		return Result{}, fmt.Errorf("rebuilding lexical index: %w", err)
	}

	if c.documents != nil {
		if err := c.documents.UpdateStatus(ctx, docID, repository.StatusIndexed, "", len(chunks)); err != nil {
			c.logger.Warn("failed to mark document indexed", "doc_id", docID, "error", err)
		}
	}

	c.notifyVersionChange(oldVersion)

	c.logger.Info("document ingested", "doc_id", docID, "title", title, "chunks", len(chunks))
	return Result{DocumentID: docID, Chunks: len(chunks), Version: c.store.Version()}, nil
}

// DeleteDocument removes a document's chunks from both indexes and drops
// it from the registry. Returns the number of chunks removed.
func (c *Coordinator) DeleteDocument(ctx context.Context, docID uuid.UUID) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	oldVersion := c.store.Version()

	removed, err := c.store.DeleteByDocument(ctx, docID.String())
	if err != nil {
		return 0, fmt.Errorf("deleting chunks: %w", err)
	}

	if removed > 0 {
		if err := c.index.RebuildFrom(ctx, c.store); err != nil {
			return removed, fmt.Errorf("rebuilding lexical index after delete: %w", err)
		}
		c.notifyVersionChange(oldVersion)
	}

	if c.documents != nil {
		if err := c.documents.Delete(ctx, docID); err != nil && err != repository.ErrNotFound {
			return removed, fmt.Errorf("removing document record: %w", err)
		}
	}

	return removed, nil
}

// Reindex rebuilds the lexical index from the current chunk store. Used at
// startup and by the reindex endpoint after out-of-band store changes.
func (c *Coordinator) Reindex(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.index.RebuildFrom(ctx, c.store); err != nil {
		return 0, err
	}
	return c.index.Len(), nil
}

func (c *Coordinator) buildChunks(ctx context.Context, docID uuid.UUID, contentType string, pieces []Piece, now time.Time) ([]chunkstore.Chunk, error) {
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}

	vectors, err := c.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding chunks: %w", err)
	}
	if len(vectors) != len(pieces) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(pieces))
	}

	ct := chunkstore.ContentType(contentType)
	if ct == "" {
		ct = chunkstore.ContentText
	}

	chunks := make([]chunkstore.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = chunkstore.Chunk{
			ID:     uuid.New().String(),
			Text:   p.Text,
			Vector: vectors[i],
			Meta: chunkstore.Metadata{
				DocumentID:  docID.String(),
				Ordinal:     p.Ordinal,
				Section:     p.Section,
				ContentType: ct,
				IngestedAt:  now,
				Extra:       p.Extra,
			},
		}
	}
	return chunks, nil
}

func (c *Coordinator) markFailed(ctx context.Context, docID uuid.UUID, cause error) {
	if c.documents == nil {
		return
	}
	if err := c.documents.UpdateStatus(ctx, docID, repository.StatusFailed, cause.Error(), 0); err != nil {
		c.logger.Warn("failed to mark document failed", "doc_id", docID, "error", err)
	}
}

func (c *Coordinator) notifyVersionChange(oldVersion uint64) {
	if c.onVersionChange != nil && c.store.Version() != oldVersion {
		c.onVersionChange(oldVersion)
	}
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
