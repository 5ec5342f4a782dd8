package chunkstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryStore is an in-process Store used by tests and by installs that run
// without an external vector database. Search is exact cosine similarity.
type MemoryStore struct {
	mu      sync.RWMutex
	chunks  map[string]Chunk
	order   []string
	version atomic.Uint64
}

// NewMemoryStore creates an empty in-memory chunk store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[string]Chunk)}
}

func (s *MemoryStore) Add(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range chunks {
		if _, exists := s.chunks[c.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateID, c.ID)
		}
	}
	for _, c := range chunks {
		s.chunks[c.ID] = c
		s.order = append(s.order, c.ID)
	}
	s.version.Add(1)
	return nil
}

func (s *MemoryStore) DeleteByDocument(ctx context.Context, docID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		if s.chunks[id].Meta.DocumentID == docID {
			delete(s.chunks, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	if removed > 0 {
		s.version.Add(1)
	}
	return removed, nil
}

func (s *MemoryStore) SemanticSearch(ctx context.Context, vector []float32, k int, filter *Filter) ([]SearchHit, error) {
	if k <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]SearchHit, 0, len(s.chunks))
	for _, id := range s.order {
		c := s.chunks[id]
		if !matches(c, filter) {
			continue
		}
		hits = append(hits, SearchHit{
			ChunkID: c.ID,
			Score:   cosine(vector, c.Vector),
			Text:    c.Text,
			Meta:    c.Meta,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *MemoryStore) List(ctx context.Context, filter *Filter, limit, offset int) ([]Chunk, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Chunk
	skipped := 0
	for _, id := range s.order {
		c := s.chunks[id]
		if !matches(c, filter) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		c.Vector = nil
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks), nil
}

func (s *MemoryStore) Version() uint64 { return s.version.Load() }

func (s *MemoryStore) Close() error { return nil }

func matches(c Chunk, f *Filter) bool {
	if f == nil {
		return true
	}
	if f.DocumentID != "" && c.Meta.DocumentID != f.DocumentID {
		return false
	}
	if f.ContentType != "" && c.Meta.ContentType != f.ContentType {
		return false
	}
	return true
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
