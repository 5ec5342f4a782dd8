// Package notes is the client for the personal-notes HTTP backend. The
// backend is optional: an unconfigured or unreachable vault disables the
// notes branch rather than failing the service.
package notes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// fullBodyThreshold is the excerpt length below which the full note body is
// fetched. Short excerpts rarely carry enough context to cite.
const fullBodyThreshold = 200

// Note is one note in the vault.
type Note struct {
	Path     string    `json:"path"`
	Title    string    `json:"title"`
	Content  string    `json:"content,omitempty"`
	Modified time.Time `json:"modified"`
}

// SearchHit is one search result from the vault.
type SearchHit struct {
	Path    string  `json:"path"`
	Heading string  `json:"heading,omitempty"`
	Excerpt string  `json:"excerpt"`
	Score   float64 `json:"score"`
}

// Client talks to the notes backend. A nil *Client is a valid "notes
// disabled" client whose Available always reports false.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option is a functional option for configuring Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// NewClient creates a notes backend client. baseURL empty means the vault
// is unconfigured; the returned client is nil.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	if baseURL == "" {
		return nil
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Available probes the backend. A nil client is never available.
func (c *Client) Available(ctx context.Context) bool {
	if c == nil {
		return false
	}
	req, err := c.newRequest(ctx, "/notes", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// List returns every note's path and metadata, without content.
func (c *Client) List(ctx context.Context) ([]Note, error) {
	var out []Note
	if err := c.getJSON(ctx, "/notes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Read returns one note, including its content.
func (c *Client) Read(ctx context.Context, path string) (Note, error) {
	var out Note
	if err := c.getJSON(ctx, "/notes/"+url.PathEscape(path), nil, &out); err != nil {
		return Note{}, err
	}
	return out, nil
}

// Search queries the vault. When a hit's excerpt is shorter than the
// full-body threshold the whole note is fetched so the generator sees
// enough context; a failed body fetch keeps the excerpt.
func (c *Client) Search(ctx context.Context, query string, k int) ([]SearchHit, error) {
	if k <= 0 {
		return nil, nil
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(k))

	var hits []SearchHit
	if err := c.getJSON(ctx, "/search", params, &hits); err != nil {
		return nil, err
	}
	if len(hits) > k {
		hits = hits[:k]
	}

	for i := range hits {
		if len(hits[i].Excerpt) >= fullBodyThreshold {
			continue
		}
		note, err := c.Read(ctx, hits[i].Path)
		if err != nil {
			continue
		}
		if note.Content != "" {
			hits[i].Excerpt = note.Content
		}
	}
	return hits, nil
}

func (c *Client) newRequest(ctx context.Context, path string, params url.Values) (*http.Request, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	if c == nil {
		return fmt.Errorf("notes backend not configured")
	}
	req, err := c.newRequest(ctx, path, params)
	if err != nil {
		return fmt.Errorf("creating notes request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notes backend request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notes backend error (status %d): %s", resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding notes response: %w", err)
	}
	return nil
}
