package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alcove-sh/alcove/internal/chunkstore"
	"github.com/alcove-sh/alcove/internal/embedder"
	"github.com/alcove-sh/alcove/internal/lexical"
	"github.com/alcove-sh/alcove/internal/reranker"
)

// Fallback weights for merging lexical and semantic scores when the
// cross-encoder is unavailable. Scores are min-max normalized within the
// request first; a missing component contributes zero.
const (
	fallbackLexicalWeight  = 0.4
	fallbackSemanticWeight = 0.6
)

// jaccardThreshold marks two candidate texts as near-duplicates. The
// reranker is never shown the same content twice.
const jaccardThreshold = 0.7

// CorpusOptions are the per-request knobs of the hybrid pipeline.
type CorpusOptions struct {
	LexicalTopK  int
	SemanticTopK int
	RerankTopK   int
	MinScore     float64

	// BranchTimeout bounds each of the two retrieval branches.
	BranchTimeout time.Duration

	// RerankTimeout bounds the single batched cross-encoder call. The
	// orchestrator budgets it at half the remaining request deadline.
	RerankTimeout time.Duration
}

// CorpusResult carries the hits plus the degradation flags the orchestrator
// reports in response metadata.
type CorpusResult struct {
	Hits             []Hit
	RerankFallback   bool
	LexicalStale     bool
	EmbedderDegraded bool
	RerankElapsed    time.Duration
}

// CorpusRetriever performs hybrid lexical+semantic search over the chunk
// store with cross-encoder reranking.
type CorpusRetriever struct {
	store  chunkstore.Store
	index  *lexical.Index
	embed  embedder.Embedder
	rerank reranker.Reranker
	logger *slog.Logger
}

// NewCorpusRetriever wires the hybrid pipeline.
func NewCorpusRetriever(store chunkstore.Store, index *lexical.Index, embed embedder.Embedder, rerank reranker.Reranker, logger *slog.Logger) *CorpusRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &CorpusRetriever{store: store, index: index, embed: embed, rerank: rerank, logger: logger}
}

// candidate accumulates branch scores for one chunk id before reranking.
type candidate struct {
	id       string
	text     string
	meta     chunkstore.Metadata
	lexical  *float64
	semantic *float64
}

// Search runs the hybrid pipeline for one query. A chunk-store failure is
// fatal to the branch and returned as an error; embedder and reranker
// failures degrade and are flagged on the result.
func (r *CorpusRetriever) Search(ctx context.Context, query string, opts CorpusOptions) (CorpusResult, error) {
	var res CorpusResult

	if opts.RerankTopK == 0 {
		return res, nil
	}
	if opts.LexicalTopK == 0 && opts.SemanticTopK == 0 {
		// Nothing to retrieve; in particular the embedder is not called.
		return res, nil
	}

	lexHits, semHits, err := r.runBranches(ctx, query, opts, &res)
	if err != nil {
		return res, err
	}

	candidates := r.mergeCandidates(ctx, lexHits, semHits)
	if len(candidates) == 0 {
		return res, nil
	}
	candidates = dedupeCandidates(candidates)

	rerankScores, fallback, elapsed := r.scoreCandidates(ctx, query, candidates, opts.RerankTimeout)
	res.RerankFallback = fallback
	res.RerankElapsed = elapsed

	res.Hits = assembleHits(candidates, rerankScores, opts)
	return res, nil
}

// runBranches issues the lexical search and the embed+semantic search in
// parallel, each under its own timeout. A timed-out branch contributes an
// empty list without cancelling the other.
func (r *CorpusRetriever) runBranches(ctx context.Context, query string, opts CorpusOptions, res *CorpusResult) ([]lexical.Result, []chunkstore.SearchHit, error) {
	var (
		wg       sync.WaitGroup
		lexHits  []lexical.Result
		semHits  []chunkstore.SearchHit
		fatalErr error
	)

	wg.Add(2)

	go func() {
		defer wg.Done()
		if opts.LexicalTopK <= 0 {
			return
		}
		branchCtx, cancel := context.WithTimeout(ctx, opts.BranchTimeout)
		defer cancel()
		hits, stale := r.index.Search(branchCtx, query, opts.LexicalTopK)
		lexHits = hits
		res.LexicalStale = stale
	}()

	go func() {
		defer wg.Done()
		if opts.SemanticTopK <= 0 {
			return
		}
		branchCtx, cancel := context.WithTimeout(ctx, opts.BranchTimeout)
		defer cancel()

		vec, err := r.embed.Embed(branchCtx, query)
		if err != nil {
			if branchCtx.Err() != nil {
				return // branch timed out; contribute nothing
			}
			// Embedder failure degrades the corpus branch to lexical-only.
			res.EmbedderDegraded = true
			r.logger.Warn("embedder failed, corpus degraded to lexical-only", "error", err)
			return
		}

		hits, err := r.store.SemanticSearch(branchCtx, vec, opts.SemanticTopK, nil)
		if err != nil {
			if branchCtx.Err() != nil && ctx.Err() == nil {
				return // branch timeout, not a store failure
			}
			fatalErr = err
			return
		}
		semHits = hits
	}()

	wg.Wait()

	if fatalErr != nil {
		return nil, nil, fatalErr
	}
	return lexHits, semHits, nil
}

// mergeCandidates unions the two branches keyed by chunk id, keeping
// whichever scores are present. Lexical-only hits need their text loaded
// from the store; a load failure drops the hit rather than the request.
func (r *CorpusRetriever) mergeCandidates(ctx context.Context, lexHits []lexical.Result, semHits []chunkstore.SearchHit) []*candidate {
	merged := make(map[string]*candidate, len(lexHits)+len(semHits))
	var order []string

	for _, h := range semHits {
		c := &candidate{id: h.ChunkID, text: h.Text, meta: h.Meta}
		c.semantic = ptr(float64(h.Score))
		merged[h.ChunkID] = c
		order = append(order, h.ChunkID)
	}

	var lexOnly []string
	for _, h := range lexHits {
		if c, ok := merged[h.ChunkID]; ok {
			score := h.Score
			c.lexical = &score
			continue
		}
		score := h.Score
		c := &candidate{id: h.ChunkID, lexical: &score}
		merged[h.ChunkID] = c
		order = append(order, h.ChunkID)
		lexOnly = append(lexOnly, h.ChunkID)
	}

	if len(lexOnly) > 0 {
		r.loadTexts(ctx, merged, lexOnly)
	}

	out := make([]*candidate, 0, len(order))
	for _, id := range order {
		c := merged[id]
		if c.text == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (r *CorpusRetriever) loadTexts(ctx context.Context, merged map[string]*candidate, ids []string) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	// The lexical index mirrors the store, so one listing pass resolves all
	// lexical-only texts. Bounded by the ids we are still missing.
	offset := 0
	const page = 256
	for len(want) > 0 {
		chunks, err := r.store.List(ctx, nil, page, offset)
		if err != nil {
			r.logger.Warn("failed to load texts for lexical hits", "error", err, "missing", len(want))
			return
		}
		if len(chunks) == 0 {
			return
		}
		for _, c := range chunks {
			if _, ok := want[c.ID]; !ok {
				continue
			}
			merged[c.ID].text = c.Text
			merged[c.ID].meta = c.Meta
			delete(want, c.ID)
		}
		if len(chunks) < page {
			return
		}
		offset += len(chunks)
	}
}

// dedupeCandidates drops near-duplicate texts (Jaccard similarity over word
// sets), keeping the earlier, higher-ranked candidate.
func dedupeCandidates(candidates []*candidate) []*candidate {
	if len(candidates) <= 1 {
		return candidates
	}

	wordSets := make([]map[string]struct{}, len(candidates))
	for i, c := range candidates {
		wordSets[i] = wordSet(c.text)
	}

	keep := make([]bool, len(candidates))
	for i := range keep {
		keep[i] = true
	}
	for i := 0; i < len(candidates); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(candidates); j++ {
			if !keep[j] {
				continue
			}
			if jaccard(wordSets[i], wordSets[j]) >= jaccardThreshold {
				keep[j] = false
			}
		}
	}

	out := candidates[:0]
	for i, c := range candidates {
		if keep[i] {
			out = append(out, c)
		}
	}
	return out
}

// scoreCandidates runs the single batched cross-encoder call. On timeout or
// error it falls back to the weighted merge of normalized branch scores.
func (r *CorpusRetriever) scoreCandidates(ctx context.Context, query string, candidates []*candidate, budget time.Duration) (scores []float64, fallback bool, elapsed time.Duration) {
	start := time.Now()

	if r.rerank != nil && budget > 0 {
		rerankCtx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()

		docs := make([]string, len(candidates))
		for i, c := range candidates {
			docs[i] = c.text
		}
		raw, err := r.rerank.Rerank(rerankCtx, query, docs)
		elapsed = time.Since(start)
		if err == nil {
			scores = make([]float64, len(candidates))
			for _, s := range raw {
				scores[s.Index] = s.Value
			}
			return scores, false, elapsed
		}
		if !errors.Is(err, context.Canceled) {
			r.logger.Warn("reranker failed, using weighted merge fallback", "error", err)
		}
	}

	return weightedMerge(candidates), true, time.Since(start)
}

// weightedMerge min-max normalizes each branch's scores within this request
// and blends them. Candidates hit by both branches dominate single-branch
// candidates, all else equal.
func weightedMerge(candidates []*candidate) []float64 {
	lexNorm := normalize(candidates, func(c *candidate) *float64 { return c.lexical })
	semNorm := normalize(candidates, func(c *candidate) *float64 { return c.semantic })

	scores := make([]float64, len(candidates))
	for i := range candidates {
		scores[i] = fallbackLexicalWeight*lexNorm[i] + fallbackSemanticWeight*semNorm[i]
	}
	return scores
}

// normalize maps present scores into [0, 1] by min-max within the request.
// Absent scores map to 0; a degenerate range maps every present score to 1.
func normalize(candidates []*candidate, get func(*candidate) *float64) []float64 {
	lo, hi := 0.0, 0.0
	seen := false
	for _, c := range candidates {
		v := get(c)
		if v == nil {
			continue
		}
		if !seen || *v < lo {
			lo = *v
		}
		if !seen || *v > hi {
			hi = *v
		}
		seen = true
	}

	out := make([]float64, len(candidates))
	for i, c := range candidates {
		v := get(c)
		if v == nil {
			continue
		}
		if hi > lo {
			out[i] = (*v - lo) / (hi - lo)
		} else {
			out[i] = 1
		}
	}
	return out
}

// assembleHits applies the final sort, min-score cut, and top-k, producing
// hits whose rerank score is the canonical sort key. Ties break by semantic
// score, then chunk id, so identical input yields identical output.
func assembleHits(candidates []*candidate, scores []float64, opts CorpusOptions) []Hit {
	hits := make([]Hit, 0, len(candidates))
	for i, c := range candidates {
		hit := Hit{
			ID:     c.id,
			Text:   c.text,
			Origin: OriginCorpus,
			Locator: Locator{
				DocID:          c.meta.DocumentID,
				Page:           c.meta.Page,
				Section:        c.meta.Section,
				TimestampStart: c.meta.TimestampStart,
				TimestampEnd:   c.meta.TimestampEnd,
			},
			Lexical:  c.lexical,
			Semantic: c.semantic,
			Rerank:   ptr(scores[i]),
		}
		hits = append(hits, hit)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if *hits[i].Rerank != *hits[j].Rerank {
			return *hits[i].Rerank > *hits[j].Rerank
		}
		si, sj := scoreOrZero(hits[i].Semantic), scoreOrZero(hits[j].Semantic)
		if si != sj {
			return si > sj
		}
		return hits[i].ID < hits[j].ID
	})

	kept := hits[:0]
	for _, h := range hits {
		if *h.Rerank < opts.MinScore {
			continue
		}
		kept = append(kept, h)
		if len(kept) >= opts.RerankTopK {
			break
		}
	}
	return kept
}

func scoreOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func wordSet(text string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'()[]{}=<>")
		if len(w) > 2 {
			set[w] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
