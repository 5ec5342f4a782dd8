package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultEndpoint is the local cross-encoder inference server.
	DefaultEndpoint = "http://localhost:9659"

	// DefaultModel is the default cross-encoder model alias.
	DefaultModel = "reranker-small"
)

// HTTPConfig holds configuration for the HTTP reranker.
type HTTPConfig struct {
	Endpoint string
	Model    string

	// MaxInFlight bounds concurrent rerank calls; the model is a single
	// in-process instance on the accelerator. Defaults to 1.
	MaxInFlight int

	HTTPClient *http.Client
}

// HTTPReranker talks to a local cross-encoder inference server exposing a
// POST /rerank endpoint.
type HTTPReranker struct {
	endpoint string
	model    string
	client   *http.Client
	sem      *semaphore.Weighted
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"relevance_score"`
	} `json:"results"`
}

// NewHTTPReranker creates a cross-encoder client.
func NewHTTPReranker(cfg HTTPConfig) *HTTPReranker {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPReranker{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		model:    model,
		client:   client,
		sem:      semaphore.NewWeighted(int64(maxInFlight)),
	}
}

// Rerank submits every (query, document) pair in one batched call and
// returns one score per document.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string) ([]Score, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	body, err := json.Marshal(rerankRequest{Model: r.model, Query: query, Documents: documents})
	if err != nil {
		return nil, fmt.Errorf("marshaling rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing rerank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank API error (status %d): %s", resp.StatusCode, string(msg))
	}

	var decoded rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding rerank response: %w", err)
	}
	if len(decoded.Results) != len(documents) {
		return nil, fmt.Errorf("rerank returned %d scores for %d documents", len(decoded.Results), len(documents))
	}

	scores := make([]Score, len(decoded.Results))
	for i, res := range decoded.Results {
		if res.Index < 0 || res.Index >= len(documents) {
			return nil, fmt.Errorf("rerank returned out-of-range index %d", res.Index)
		}
		scores[i] = Score{Index: res.Index, Value: res.Score}
	}
	return scores, nil
}

// Ping checks the inference server's health endpoint.
func (r *HTTPReranker) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("reranker unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reranker health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// Ensure HTTPReranker implements Reranker.
var _ Reranker = (*HTTPReranker)(nil)
