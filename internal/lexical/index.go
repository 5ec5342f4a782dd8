// Package lexical provides an in-memory BM25 index over the corpus chunk
// set. It is rebuilt wholesale after ingests and deletes; the query path
// only ever sees a fully-built posting list.
package lexical

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/alcove-sh/alcove/internal/chunkstore"
)

// ErrRebuild is returned to the ingestion caller when a rebuild fails. The
// previously ready index stays intact and keeps serving searches.
var ErrRebuild = errors.New("lexical: index rebuild failed")

// BM25 parameters. Overridable via Params, fixed otherwise.
const (
	DefaultK1 = 1.5
	DefaultB  = 0.75
)

// listPageSize is the chunk store page size used during rebuilds.
const listPageSize = 256

// State is the index lifecycle: empty -> ready -> rebuilding -> ready.
type State int

const (
	StateEmpty State = iota
	StateReady
	StateRebuilding
)

// Result is one scored chunk from a lexical search.
type Result struct {
	ChunkID string
	Score   float64
}

// Params tunes BM25 scoring.
type Params struct {
	K1 float64
	B  float64
}

// segment is one immutable generation of the posting lists. Rebuilds
// construct a fresh segment off to the side and swap it in under the write
// lock, so readers see either the old generation or the new one.
type segment struct {
	postings    map[string]map[string]int // term -> chunk id -> term frequency
	docFreq     map[string]int            // term -> number of chunks containing it
	chunkLength map[string]int            // chunk id -> token count
	totalLength int
}

func newSegment() *segment {
	return &segment{
		postings:    make(map[string]map[string]int),
		docFreq:     make(map[string]int),
		chunkLength: make(map[string]int),
	}
}

func (g *segment) add(chunkID string, tokens []string) {
	if len(tokens) == 0 {
		return
	}
	g.chunkLength[chunkID] = len(tokens)
	g.totalLength += len(tokens)

	seen := make(map[string]struct{}, len(tokens))
	for _, term := range tokens {
		if _, ok := g.postings[term]; !ok {
			g.postings[term] = make(map[string]int)
		}
		g.postings[term][chunkID]++
		if _, dup := seen[term]; !dup {
			g.docFreq[term]++
			seen[term] = struct{}{}
		}
	}
}

// Index is the process-wide lexical index. Single writer (RebuildFrom),
// many readers (Search).
type Index struct {
	params Params

	mu      sync.RWMutex
	state   State
	current *segment

	rebuildMu sync.Mutex // serializes rebuilds
}

// New creates an empty index with default BM25 parameters.
func New() *Index {
	return NewWithParams(Params{K1: DefaultK1, B: DefaultB})
}

// NewWithParams creates an empty index with custom BM25 parameters.
func NewWithParams(p Params) *Index {
	if p.K1 <= 0 {
		p.K1 = DefaultK1
	}
	if p.B <= 0 {
		p.B = DefaultB
	}
	return &Index{params: p, state: StateEmpty}
}

// State returns the current lifecycle state.
func (ix *Index) State() State {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.state
}

// Len returns the number of indexed chunks.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.current == nil {
		return 0
	}
	return len(ix.current.chunkLength)
}

// RebuildFrom reads every current chunk from the store and swaps in a fresh
// posting list. Only one rebuild runs at a time; a failure leaves the
// previous generation serving and returns ErrRebuild.
func (ix *Index) RebuildFrom(ctx context.Context, store chunkstore.Store) error {
	ix.rebuildMu.Lock()
	defer ix.rebuildMu.Unlock()

	ix.mu.Lock()
	prev := ix.state
	if prev == StateReady {
		ix.state = StateRebuilding
	}
	ix.mu.Unlock()

	next := newSegment()
	offset := 0
	for {
		page, err := store.List(ctx, nil, listPageSize, offset)
		if err != nil {
			ix.restoreState(prev)
			return fmt.Errorf("%w: listing chunks at offset %d: %v", ErrRebuild, offset, err)
		}
		for _, c := range page {
			next.add(c.ID, Tokenize(c.Text))
		}
		if len(page) < listPageSize {
			break
		}
		offset += len(page)
	}

	ix.mu.Lock()
	ix.current = next
	ix.state = StateReady
	ix.mu.Unlock()
	return nil
}

func (ix *Index) restoreState(prev State) {
	ix.mu.Lock()
	ix.state = prev
	ix.mu.Unlock()
}

// Search tokenizes the query with the index tokenizer and returns up to k
// chunks sorted by BM25 score descending (chunk id ascending on ties, for
// deterministic output). The stale flag is set when the index has never
// completed a build or the context expired before the read lock was
// acquired; callers then fall back to semantic hits alone.
func (ix *Index) Search(ctx context.Context, query string, k int) (results []Result, stale bool) {
	if k <= 0 {
		return nil, false
	}
	terms := uniqueTerms(Tokenize(query))
	if len(terms) == 0 {
		return nil, false
	}

	// The write lock is held only for the segment swap, so this blocks
	// briefly at worst. Respect an already-expired context instead of
	// queueing behind a rebuild swap.
	if ctx.Err() != nil {
		return nil, true
	}

	ix.mu.RLock()
	seg := ix.current
	ready := ix.state != StateEmpty
	ix.mu.RUnlock()

	if seg == nil || !ready {
		return nil, !ready
	}

	docCount := len(seg.chunkLength)
	if docCount == 0 {
		return nil, false
	}
	avgLen := float64(seg.totalLength) / float64(docCount)

	scores := make(map[string]float64)
	for _, term := range terms {
		postings := seg.postings[term]
		if len(postings) == 0 {
			continue
		}
		df := float64(seg.docFreq[term])
		idf := math.Log((float64(docCount)-df+0.5)/(df+0.5) + 1)
		for chunkID, tf := range postings {
			docLen := float64(seg.chunkLength[chunkID])
			num := float64(tf) * (ix.params.K1 + 1)
			den := float64(tf) + ix.params.K1*(1-ix.params.B+ix.params.B*(docLen/avgLen))
			scores[chunkID] += idf * (num / den)
		}
	}

	results = make([]Result, 0, len(scores))
	for id, score := range scores {
		results = append(results, Result{ChunkID: id, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, false
}

func uniqueTerms(tokens []string) []string {
	if len(tokens) == 0 {
		return tokens
	}
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, tok := range tokens {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}
