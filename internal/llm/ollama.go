package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultOllamaBaseURL is the default Ollama API endpoint.
	DefaultOllamaBaseURL = "http://localhost:11434"

	// DefaultModel is the default generator model.
	DefaultModel = "llama3.2"

	// DefaultMaxConcurrency bounds in-flight generations. Local runtimes
	// serialize on the accelerator anyway; 1-2 avoids queue blowup.
	DefaultMaxConcurrency = 2

	// modelListTTL is how long a ListModels result is reused.
	modelListTTL = 30 * time.Second
)

// OllamaClient implements Client against the Ollama HTTP API.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	sem        *semaphore.Weighted

	modelMu      sync.Mutex
	modelCache   []ModelInfo
	modelFetched time.Time
}

// OllamaOption is a functional option for configuring OllamaClient.
type OllamaOption func(*OllamaClient)

// WithBaseURL sets a custom base URL for the Ollama API.
func WithBaseURL(url string) OllamaOption {
	return func(c *OllamaClient) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithModel sets the default model for the client.
func WithModel(model string) OllamaOption {
	return func(c *OllamaClient) {
		c.model = model
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) OllamaOption {
	return func(c *OllamaClient) {
		c.httpClient = client
	}
}

// WithMaxConcurrency bounds concurrent in-flight generations.
func WithMaxConcurrency(n int) OllamaOption {
	return func(c *OllamaClient) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewOllamaClient creates a new Ollama generator client.
func NewOllamaClient(opts ...OllamaOption) *OllamaClient {
	c := &OllamaClient{
		baseURL: DefaultOllamaBaseURL,
		model:   DefaultModel,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // long timeout for generation
		},
		sem: semaphore.NewWeighted(DefaultMaxConcurrency),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

// Generate sends one non-streaming completion. Callers queue on the
// generation semaphore; a context that expires while waiting surfaces as
// ErrBusy so the orchestrator can fail fast instead of inventing a partial
// answer.
func (c *OllamaClient) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, Stats, error) {
	return c.GenerateDetached(ctx, ctx, prompt, opts)
}

// GenerateDetached queues on the generation semaphore under waitCtx and
// runs the completion under runCtx. waitCtx expiring while queued surfaces
// as ErrBusy; once a slot is held, only runCtx bounds the generation.
func (c *OllamaClient) GenerateDetached(waitCtx, runCtx context.Context, prompt string, opts GenerateOptions) (string, Stats, error) {
	if !c.sem.TryAcquire(1) {
		if err := c.sem.Acquire(waitCtx, 1); err != nil {
			return "", Stats{}, fmt.Errorf("%w: %v", ErrBusy, err)
		}
	}
	defer c.sem.Release(1)

	start := time.Now()

	model := opts.Model
	if model == "" {
		model = c.model
	}

	reqBody := generateRequest{
		Model:  model,
		Prompt: prompt,
		System: opts.System,
		Stream: false,
	}
	options := make(map[string]any)
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if len(options) > 0 {
		reqBody.Options = options
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", Stats{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(runCtx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", Stats{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", Stats{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", Stats{}, fmt.Errorf("generator API error (status %d): %s", resp.StatusCode, string(msg))
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", Stats{}, fmt.Errorf("decoding response: %w", err)
	}

	stats := Stats{
		Model:            model,
		PromptTokens:     decoded.PromptEvalCount,
		CompletionTokens: decoded.EvalCount,
		Elapsed:          time.Since(start),
	}
	return decoded.Response, stats, nil
}

type tagsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ListModels returns the runtime's model list, cached for 30 seconds.
func (c *OllamaClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	c.modelMu.Lock()
	defer c.modelMu.Unlock()

	if c.modelCache != nil && time.Since(c.modelFetched) < modelListTTL {
		return c.modelCache, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("model list error (status %d): %s", resp.StatusCode, string(msg))
	}

	var decoded tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	c.modelCache = decoded.Models
	c.modelFetched = time.Now()
	return c.modelCache, nil
}

// Ping reports whether the runtime answers at all.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("generator unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("generator health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// Ensure OllamaClient implements Client.
var (
	_ Client            = (*OllamaClient)(nil)
	_ DetachedGenerator = (*OllamaClient)(nil)
)
