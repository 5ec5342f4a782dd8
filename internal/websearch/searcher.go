// Package websearch issues queries against a local metasearch engine and
// materializes result pages into plain text.
package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrWebBackend marks a metasearch engine rejection or outage. The
// orchestrator treats it as a branch-level failure.
var ErrWebBackend = errors.New("websearch: metasearch backend error")

// fetchConcurrency bounds parallel page materializations per request.
const fetchConcurrency = 4

// Result is one metasearch hit before materialization.
type Result struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"content"`
	Rank    int    `json:"-"`
}

// Page is a materialized result: the same hit with extracted page text.
type Page struct {
	Result
	Text string
}

// Fetcher retrieves a page body. The plain HTTP fetcher is the default; a
// headless-browser fetcher can replace it for script-rendered pages.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (string, error)
}

// Searcher queries the metasearch engine and materializes pages.
type Searcher struct {
	baseURL    string
	httpClient *http.Client
	fetcher    Fetcher
	logger     *slog.Logger
}

// Option is a functional option for configuring Searcher.
type Option func(*Searcher)

// WithHTTPClient sets the client used for metasearch queries.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Searcher) {
		s.httpClient = client
	}
}

// WithFetcher replaces the page fetcher.
func WithFetcher(f Fetcher) Option {
	return func(s *Searcher) {
		s.fetcher = f
	}
}

// NewSearcher creates a web searcher against the metasearch engine at
// baseURL. maxBytes bounds each page fetch.
func NewSearcher(baseURL string, maxBytes int64, logger *slog.Logger, opts ...Option) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Searcher{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		fetcher:    NewHTTPFetcher(maxBytes),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search queries the metasearch engine for up to k results. The engine's
// anti-abuse layer requires forwarded-client-address headers; without them
// it answers 403, which surfaces as ErrWebBackend.
func (s *Searcher) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("pageno", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating search request: %w", err)
	}
	req.Header.Set("X-Forwarded-For", "127.0.0.1")
	req.Header.Set("X-Real-IP", "127.0.0.1")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebBackend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrWebBackend, resp.StatusCode, string(msg))
	}

	var decoded struct {
		Results []Result `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrWebBackend, err)
	}

	results := decoded.Results
	if len(results) > k {
		results = results[:k]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results, nil
}

// Materialize fetches and extracts at most maxPages of the given results,
// preserving rank order. Partial success is fine: pages that fail to fetch
// or yield no text are dropped, never padded with snippets.
func (s *Searcher) Materialize(ctx context.Context, results []Result, maxPages int) []Page {
	if maxPages > len(results) {
		maxPages = len(results)
	}
	if maxPages <= 0 {
		return nil
	}

	pages := make([]*Page, maxPages)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	for i := 0; i < maxPages; i++ {
		g.Go(func() error {
			r := results[i]
			text, err := s.fetcher.Fetch(gctx, r.URL)
			if err != nil {
				s.logger.Debug("page fetch failed", "url", r.URL, "error", err)
				return nil
			}
			if strings.TrimSpace(text) == "" {
				return nil
			}
			pages[i] = &Page{Result: r, Text: text}
			return nil
		})
	}
	g.Wait()

	out := make([]Page, 0, maxPages)
	for _, p := range pages {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// Ping probes the metasearch engine.
func (s *Searcher) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWebBackend, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrWebBackend, resp.StatusCode)
	}
	return nil
}
