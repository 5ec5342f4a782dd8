// Package orchestrator drives one answer request end to end: cache lookup,
// query planning, parallel retrieval fan-out, cross-source merge, prompt
// assembly, generation, and cache write-back.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alcove-sh/alcove/internal/cache"
	"github.com/alcove-sh/alcove/internal/errs"
	"github.com/alcove-sh/alcove/internal/llm"
	"github.com/alcove-sh/alcove/internal/metrics"
	"github.com/alcove-sh/alcove/internal/planner"
	"github.com/alcove-sh/alcove/internal/prompt"
	"github.com/alcove-sh/alcove/internal/repository"
	"github.com/alcove-sh/alcove/internal/retrieval"
)

// CorpusSearcher is the hybrid corpus pipeline.
type CorpusSearcher interface {
	Search(ctx context.Context, query string, opts retrieval.CorpusOptions) (retrieval.CorpusResult, error)
}

// SourceRetriever produces hits for one query under a timeout. The notes
// and web branches both satisfy it.
type SourceRetriever interface {
	Search(ctx context.Context, query string, k int) ([]retrieval.Hit, error)
}

// QueryPlanner turns the user prompt into planned search queries.
type QueryPlanner interface {
	Plan(ctx context.Context, query string, forceExpansion bool) []planner.SearchQuery
}

// VersionSource exposes the corpus version counter.
type VersionSource interface {
	Version() uint64
}

// pageBoundedRetriever is satisfied by web retrievers that take the
// page-materialization bound per call instead of at construction.
type pageBoundedRetriever interface {
	SearchPages(ctx context.Context, query string, k, pages int) ([]retrieval.Hit, error)
}

type sourceFunc func(ctx context.Context, query string, k int) ([]retrieval.Hit, error)

func (f sourceFunc) Search(ctx context.Context, query string, k int) ([]retrieval.Hit, error) {
	return f(ctx, query, k)
}

// Request is one answer request.
type Request struct {
	Query   string
	Mode    prompt.Mode
	UserID  string
	History []prompt.Turn
	Patch   *SettingsPatch
}

// SourceStats is the per-source slice of the response metadata.
type SourceStats struct {
	HitCount  int   `json:"hit_count"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

// DegradedSource names a branch that contributed nothing (or less than
// asked) and why.
type DegradedSource struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// Metadata is the bookkeeping attached to every answer.
type Metadata struct {
	CacheStatus        string                 `json:"cache_status"`
	Sources            map[string]SourceStats `json:"sources"`
	RerankElapsedMS    int64                  `json:"rerank_elapsed_ms"`
	GeneratorElapsedMS int64                  `json:"generator_elapsed_ms"`
	TruncatedBlocks    int                    `json:"truncated_blocks"`
	DegradedSources    []DegradedSource       `json:"degraded_sources"`
	CorpusVersion      uint64                 `json:"corpus_version"`
	RerankFallback     bool                   `json:"rerank_fallback,omitempty"`
	Model              string                 `json:"model"`
	PlannedQueries     int                    `json:"planned_queries"`
}

// Response is a complete answer.
type Response struct {
	Answer    string           `json:"answer"`
	Citations []cache.Citation `json:"citations"`
	Metadata  Metadata         `json:"metadata"`
}

// Orchestrator owns the request state machine. Branch retrievers may be
// nil when the corresponding backend is not configured.
type Orchestrator struct {
	corpus    CorpusSearcher
	notes     SourceRetriever
	web       SourceRetriever
	planner   QueryPlanner
	generator llm.Client
	answers   *cache.Cache
	versions  VersionSource

	memory    repository.MemoryRepository
	overrides repository.PromptOverrideRepository

	defaults        Settings
	contextTokens   int
	generateTimeout time.Duration
	notesEnabled    bool

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Corpus    CorpusSearcher
	Notes     SourceRetriever
	Web       SourceRetriever
	Planner   QueryPlanner
	Generator llm.Client
	Answers   *cache.Cache
	Versions  VersionSource
	Memory    repository.MemoryRepository
	Overrides repository.PromptOverrideRepository
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	Defaults        Settings
	ContextTokens   int
	GenerateTimeout time.Duration
	NotesEnabled    bool
}

// New wires an orchestrator.
func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.ContextTokens <= 0 {
		d.ContextTokens = 8192
	}
	if d.GenerateTimeout <= 0 {
		d.GenerateTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		corpus:          d.Corpus,
		notes:           d.Notes,
		web:             d.Web,
		planner:         d.Planner,
		generator:       d.Generator,
		answers:         d.Answers,
		versions:        d.Versions,
		memory:          d.Memory,
		overrides:       d.Overrides,
		defaults:        d.Defaults,
		contextTokens:   d.ContextTokens,
		generateTimeout: d.GenerateTimeout,
		notesEnabled:    d.NotesEnabled,
		metrics:         d.Metrics,
		logger:          d.Logger,
	}
}

// Ask answers one request.
func (o *Orchestrator) Ask(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	resp, err := o.ask(ctx, req, start)

	if o.metrics != nil {
		status := "ok"
		if err != nil {
			status = string(errs.KindOf(err))
		}
		o.metrics.RequestDuration.WithLabelValues(string(req.Mode), status).Observe(time.Since(start).Seconds())
	}
	return resp, err
}

func (o *Orchestrator) ask(ctx context.Context, req Request, start time.Time) (*Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, errs.New(errs.KindInvalidRequest, "query must not be empty")
	}
	mode := req.Mode
	if mode == "" {
		mode = prompt.ModeCorpus
	}
	if mode.UsesNotes() && !o.notesEnabled && mode == prompt.ModeNotes {
		return nil, errs.New(errs.KindInvalidRequest, "notes backend is not configured")
	}

	settings, err := o.defaults.Apply(req.Patch)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, settings.Deadline)
	defer cancel()

	facts, override, memoryHash := o.loadUserContext(ctx, req.UserID, mode)

	version := o.versions.Version()
	fingerprint := cache.Fingerprint(cache.FingerprintInput{
		Query:         req.Query,
		Mode:          string(mode),
		Model:         settings.GeneratorModel,
		Temperature:   settings.Temperature,
		MaxTokens:     settings.MaxTokens,
		RerankTopK:    settings.RerankTopK,
		MinScore:      settings.MinScore,
		WebResults:    settings.WebResults,
		CorpusVersion: version,
		MemoryHash:    memoryHash,
	})

	if o.answers != nil {
		if rec, ok := o.answers.Get(fingerprint); ok {
			o.observeCache("hit")
			return &Response{
				Answer:    rec.Answer,
				Citations: rec.Citations,
				Metadata: Metadata{
					CacheStatus:     "hit",
					Sources:         map[string]SourceStats{},
					DegradedSources: []DegradedSource{},
					CorpusVersion:   rec.CorpusVersion,
					Model:           rec.Model,
				},
			}, nil
		}
	}
	o.observeCache("miss")

	queries := o.planQueries(ctx, req.Query, mode)

	fanout, err := o.fanOut(ctx, mode, queries, settings, start)
	if err != nil {
		return nil, err
	}

	merged := mergeAcrossSources(fanout.corpusHits, fanout.noteHits, fanout.webHits)

	bundle := prompt.Assemble(prompt.Input{
		Mode:          mode,
		Query:         req.Query,
		Hits:          merged,
		Memory:        facts,
		Override:      override,
		History:       req.History,
		ContextTokens: o.contextTokens,
		MaxTokens:     settings.MaxTokens,
	})

	answer, stats, err := o.generate(ctx, bundle, settings)
	if err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.GeneratorLatency.Observe(stats.Elapsed.Seconds())
		o.metrics.RerankLatency.Observe(fanout.rerankElapsed.Seconds())
	}

	citations := make([]cache.Citation, 0, len(bundle.Included))
	for _, h := range bundle.Included {
		citations = append(citations, cache.Citation{Origin: h.Origin, Locator: h.Locator})
	}

	record := cache.AnswerRecord{
		Answer:        answer,
		Citations:     citations,
		Model:         stats.Model,
		CorpusVersion: version,
		CreatedAt:     time.Now().UTC(),
	}
	if o.answers != nil {
		// Best effort past this point; the answer is already in hand.
		o.answers.Put(fingerprint, record, settings.CacheTTL)
	}

	return &Response{
		Answer:    answer,
		Citations: citations,
		Metadata: Metadata{
			CacheStatus:        "miss",
			Sources:            fanout.stats,
			RerankElapsedMS:    fanout.rerankElapsed.Milliseconds(),
			GeneratorElapsedMS: stats.Elapsed.Milliseconds(),
			TruncatedBlocks:    bundle.TruncatedBlocks,
			DegradedSources:    fanout.degraded,
			CorpusVersion:      version,
			RerankFallback:     fanout.rerankFallback,
			Model:              stats.Model,
			PlannedQueries:     len(queries),
		},
	}, nil
}

// Plan exposes the planner for the plan-queries endpoint.
func (o *Orchestrator) Plan(ctx context.Context, query string, mode prompt.Mode) ([]planner.SearchQuery, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errs.New(errs.KindInvalidRequest, "query must not be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, o.defaults.Deadline)
	defer cancel()
	return o.planQueries(ctx, query, mode), nil
}

func (o *Orchestrator) planQueries(ctx context.Context, query string, mode prompt.Mode) []planner.SearchQuery {
	if o.planner == nil {
		return []planner.SearchQuery{{Text: query, Intent: planner.IntentGeneral, Priority: 5, ExpansionOf: query}}
	}
	return o.planner.Plan(ctx, query, mode.UsesWeb())
}

// loadUserContext fetches memory facts and the prompt override, and folds
// them into a hash for the cache fingerprint. Failures degrade to an
// anonymous prompt; they never fail the request.
func (o *Orchestrator) loadUserContext(ctx context.Context, userID string, mode prompt.Mode) ([]prompt.MemoryFact, string, string) {
	if userID == "" {
		return nil, "", ""
	}

	var facts []prompt.MemoryFact
	h := sha256.New()

	if o.memory != nil {
		stored, err := o.memory.ListByUser(ctx, userID)
		if err != nil {
			o.logger.Warn("failed to load user memory", "user_id", userID, "error", err)
		}
		for _, f := range stored {
			facts = append(facts, prompt.MemoryFact{Category: string(f.Category), Content: f.Content})
			fmt.Fprintf(h, "%s\x00%s\x00", f.Category, f.Content)
		}
	}

	var override string
	if o.overrides != nil {
		stored, err := o.overrides.Get(ctx, userID, string(mode))
		if err == nil {
			override = stored.Prompt
			fmt.Fprintf(h, "override\x00%s\x00", stored.Prompt)
		} else if !errors.Is(err, repository.ErrNotFound) {
			o.logger.Warn("failed to load prompt override", "user_id", userID, "error", err)
		}
	}

	if len(facts) == 0 && override == "" {
		return nil, "", ""
	}
	return facts, override, hex.EncodeToString(h.Sum(nil))
}

type fanoutResult struct {
	corpusHits []retrieval.Hit
	noteHits   []retrieval.Hit
	webHits    []retrieval.Hit

	stats          map[string]SourceStats
	degraded       []DegradedSource
	rerankElapsed  time.Duration
	rerankFallback bool
}

// fanOut runs every enabled branch in parallel. A branch failure degrades
// the answer unless its source is mandatory for the mode, in which case
// the request fails with a source-unavailable error.
func (o *Orchestrator) fanOut(ctx context.Context, mode prompt.Mode, queries []planner.SearchQuery, settings Settings, start time.Time) (*fanoutResult, error) {
	res := &fanoutResult{
		stats:    map[string]SourceStats{},
		degraded: []DegradedSource{},
	}

	type branchOutcome struct {
		source  string
		hits    []retrieval.Hit
		err     error
		elapsed time.Duration
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[string]branchOutcome{}

	runBranch := func(source string, fn func(context.Context) ([]retrieval.Hit, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			branchStart := time.Now()
			branchCtx, cancel := context.WithTimeout(ctx, settings.PerSourceTimeout)
			defer cancel()

			hits, err := fn(branchCtx)
			if err == nil && branchCtx.Err() != nil && len(hits) == 0 {
				err = branchCtx.Err()
			}

			mu.Lock()
			outcomes[source] = branchOutcome{source: source, hits: hits, err: err, elapsed: time.Since(branchStart)}
			mu.Unlock()
		}()
	}

	if mode.UsesCorpus() {
		runBranch("corpus", func(bctx context.Context) ([]retrieval.Hit, error) {
			return o.searchCorpus(bctx, queries, settings, start, res)
		})
	}
	if mode.UsesNotes() && o.notes != nil && o.notesEnabled {
		runBranch("notes", func(bctx context.Context) ([]retrieval.Hit, error) {
			return o.searchSource(bctx, o.notes, queries, settings.RerankTopK)
		})
	}
	if mode.UsesWeb() && o.web != nil {
		web := o.web
		if pb, ok := o.web.(pageBoundedRetriever); ok {
			pages := settings.WebPagesParsed
			web = sourceFunc(func(c context.Context, q string, k int) ([]retrieval.Hit, error) {
				return pb.SearchPages(c, q, k, pages)
			})
		}
		runBranch("web", func(bctx context.Context) ([]retrieval.Hit, error) {
			return o.searchSource(bctx, web, queries, settings.WebResults)
		})
	}

	wg.Wait()

	mandatory := mode.Mandatory()
	allFailed := len(outcomes) > 0

	for source, out := range outcomes {
		res.stats[source] = SourceStats{HitCount: len(out.hits), ElapsedMS: out.elapsed.Milliseconds()}
		if o.metrics != nil {
			o.metrics.ObserveSource(source, out.elapsed, len(out.hits))
		}

		if out.err != nil {
			reason := reasonFor(out.err)
			if o.metrics != nil {
				o.metrics.SourceFailures.WithLabelValues(source, reason).Inc()
			}
			if source == mandatory {
				return nil, errs.Wrap(errs.KindSourceUnavailable,
					fmt.Sprintf("%s source failed", source), out.err)
			}
			res.degraded = append(res.degraded, DegradedSource{Source: source, Reason: reason})
			o.logger.Warn("retrieval branch failed", "source", source, "reason", reason, "error", out.err)
			continue
		}
		allFailed = false

		switch source {
		case "corpus":
			res.corpusHits = out.hits
		case "notes":
			res.noteHits = out.hits
		case "web":
			res.webHits = out.hits
		}
	}

	if allFailed && mandatory == "" {
		// Combined mode with every branch down has nothing to answer from.
		return nil, errs.New(errs.KindSourceUnavailable, "all retrieval sources failed")
	}

	sort.Slice(res.degraded, func(i, j int) bool { return res.degraded[i].Source < res.degraded[j].Source })
	return res, nil
}

// searchCorpus issues the hybrid pipeline for each planned query in
// priority order, merging by hit id. Later queries are skipped once the
// branch budget is gone.
func (o *Orchestrator) searchCorpus(ctx context.Context, queries []planner.SearchQuery, settings Settings, start time.Time, res *fanoutResult) ([]retrieval.Hit, error) {
	opts := retrieval.CorpusOptions{
		LexicalTopK:   settings.LexicalTopK,
		SemanticTopK:  settings.SemanticTopK,
		RerankTopK:    settings.RerankTopK,
		MinScore:      settings.MinScore,
		BranchTimeout: settings.PerSourceTimeout,
	}

	seen := map[string]struct{}{}
	var merged []retrieval.Hit
	embedderDegraded := false
	lexicalStale := false

	for _, q := range queries {
		if ctx.Err() != nil {
			break
		}
		// Rerank budget: half the remaining request deadline at call time.
		remaining := settings.Deadline - time.Since(start)
		if remaining <= 0 {
			break
		}
		opts.RerankTimeout = remaining / 2

		result, err := o.corpus.Search(ctx, q.Text, opts)
		if err != nil {
			if len(merged) > 0 {
				o.logger.Warn("corpus search failed for expanded query", "query", q.Text, "error", err)
				break
			}
			return nil, err
		}

		res.rerankElapsed += result.RerankElapsed
		res.rerankFallback = res.rerankFallback || result.RerankFallback
		if result.EmbedderDegraded && !embedderDegraded {
			embedderDegraded = true
			res.degraded = append(res.degraded, DegradedSource{Source: "corpus", Reason: "embedder_failed"})
		}
		if result.LexicalStale && !lexicalStale {
			lexicalStale = true
			res.degraded = append(res.degraded, DegradedSource{Source: "corpus", Reason: "lexical_stale"})
		}

		for _, h := range result.Hits {
			if _, ok := seen[h.ID]; ok {
				continue
			}
			seen[h.ID] = struct{}{}
			merged = append(merged, h)
		}
	}

	// Re-sort the union so hits from lower-priority queries interleave by
	// score instead of appending after.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].SortScore() > merged[j].SortScore()
	})
	if len(merged) > settings.RerankTopK {
		merged = merged[:settings.RerankTopK]
	}
	return merged, nil
}

// searchSource runs one flat branch (notes or web) over the planned
// queries, merging by locator.
func (o *Orchestrator) searchSource(ctx context.Context, src SourceRetriever, queries []planner.SearchQuery, k int) ([]retrieval.Hit, error) {
	seen := map[string]struct{}{}
	var merged []retrieval.Hit

	for _, q := range queries {
		if ctx.Err() != nil {
			if len(merged) == 0 {
				return nil, ctx.Err()
			}
			break
		}
		hits, err := src.Search(ctx, q.Text, k)
		if err != nil {
			if len(merged) == 0 {
				return nil, err
			}
			break
		}
		for _, h := range hits {
			key := string(h.Origin) + "\x00" + h.Locator.Key()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, h)
		}
		if len(merged) >= k {
			break
		}
	}

	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// mergeAcrossSources concatenates per-source results in origin precedence
// and deduplicates by (origin, locator). Origins are pre-sorted; there is
// no cross-origin rerank.
func mergeAcrossSources(corpus, notes, web []retrieval.Hit) []retrieval.Hit {
	seen := map[string]struct{}{}
	out := make([]retrieval.Hit, 0, len(corpus)+len(notes)+len(web))

	appendAll := func(hits []retrieval.Hit) {
		for _, h := range hits {
			key := string(h.Origin) + "\x00" + h.Locator.Key() + "\x00" + h.ID
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, h)
		}
	}
	appendAll(corpus)
	appendAll(notes)
	appendAll(web)
	return out
}

// generate calls the LLM. Waiting for a generation slot counts against
// the request deadline, so a full queue fails fast with a busy error. An
// admitted generation is allowed to run past the request deadline rather
// than fabricate a partial answer: only the run phase detaches from the
// request context, bounded by the generate timeout instead.
func (o *Orchestrator) generate(ctx context.Context, bundle prompt.Bundle, settings Settings) (string, llm.Stats, error) {
	if ctx.Err() != nil {
		return "", llm.Stats{}, errs.Wrap(errs.KindDeadlineExceeded, "deadline exhausted before generation", ctx.Err())
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.generateTimeout)
	defer cancel()

	opts := llm.GenerateOptions{
		Model:       settings.GeneratorModel,
		System:      bundle.System,
		Temperature: settings.Temperature,
		MaxTokens:   settings.MaxTokens,
	}

	var (
		answer string
		stats  llm.Stats
		err    error
	)
	if dg, ok := o.generator.(llm.DetachedGenerator); ok {
		answer, stats, err = dg.GenerateDetached(ctx, runCtx, bundle.Prompt, opts)
	} else {
		answer, stats, err = o.generator.Generate(runCtx, bundle.Prompt, opts)
	}
	if err != nil {
		if errors.Is(err, llm.ErrBusy) {
			return "", llm.Stats{}, errs.Wrap(errs.KindGeneratorBusy, "generator queue full", err)
		}
		return "", llm.Stats{}, errs.Wrap(errs.KindGeneratorFailed, "generation failed", err)
	}
	return answer, stats, nil
}

func (o *Orchestrator) observeCache(status string) {
	if o.metrics != nil {
		o.metrics.CacheLookups.WithLabelValues(status).Inc()
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
