package websearch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchSendsForwardingHeaders(t *testing.T) {
	var gotXFF, gotRealIP string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotXFF = r.Header.Get("X-Forwarded-For")
		gotRealIP = r.Header.Get("X-Real-IP")
		fmt.Fprint(w, `{"results":[{"url":"https://example.com/a","title":"A","content":"snippet a"},{"url":"https://example.com/b","title":"B","content":"snippet b"}]}`)
	}))
	defer srv.Close()

	s := NewSearcher(srv.URL, 0, nil)
	results, err := s.Search(context.Background(), "test query", 5)
	require.NoError(t, err)

	assert.NotEmpty(t, gotXFF)
	assert.NotEmpty(t, gotRealIP)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Rank)
	assert.Equal(t, 2, results[1].Rank)
	assert.Equal(t, "https://example.com/a", results[0].URL)
}

func TestSearchTruncatesToK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"url":"u1"},{"url":"u2"},{"url":"u3"}]}`)
	}))
	defer srv.Close()

	s := NewSearcher(srv.URL, 0, nil)
	results, err := s.Search(context.Background(), "q", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearchRejectionIsBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewSearcher(srv.URL, 0, nil)
	_, err := s.Search(context.Background(), "q", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWebBackend)
}

func TestSearchZeroK(t *testing.T) {
	s := NewSearcher("http://unused.invalid", 0, nil)
	results, err := s.Search(context.Background(), "q", 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

type stubFetcher struct {
	pages map[string]string
}

func (f *stubFetcher) Fetch(_ context.Context, pageURL string) (string, error) {
	text, ok := f.pages[pageURL]
	if !ok {
		return "", fmt.Errorf("connection refused")
	}
	return text, nil
}

func TestMaterializeDropsFailedPages(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{
		"u1": "page one text",
		"u3": "page three text",
	}}
	s := NewSearcher("http://unused.invalid", 0, nil, WithFetcher(fetcher))

	results := []Result{
		{URL: "u1", Title: "One", Rank: 1},
		{URL: "u2", Title: "Two", Rank: 2},
		{URL: "u3", Title: "Three", Rank: 3},
	}
	pages := s.Materialize(context.Background(), results, 3)

	require.Len(t, pages, 2)
	assert.Equal(t, "u1", pages[0].URL)
	assert.Equal(t, "page one text", pages[0].Text)
	assert.Equal(t, "u3", pages[1].URL)
}

func TestMaterializeRespectsMaxPages(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{
		"u1": "one", "u2": "two", "u3": "three",
	}}
	s := NewSearcher("http://unused.invalid", 0, nil, WithFetcher(fetcher))

	results := []Result{{URL: "u1"}, {URL: "u2"}, {URL: "u3"}}
	pages := s.Materialize(context.Background(), results, 2)
	assert.Len(t, pages, 2)
}

func TestExtractTextReadability(t *testing.T) {
	page := `<!DOCTYPE html><html><head><title>T</title></head><body>
		<article><h1>Headline</h1>
		<p>` + strings.Repeat("Meaningful article body content sentence. ", 20) + `</p>
		</article>
		<script>var tracking = true;</script>
		</body></html>`

	text, err := ExtractText([]byte(page), "https://example.com/article")
	require.NoError(t, err)
	assert.Contains(t, text, "Meaningful article body content")
	assert.NotContains(t, text, "tracking")
}

func TestExtractTextFallbackSkipsScripts(t *testing.T) {
	page := `<html><body><p>tiny</p><script>var x = 1;</script></body></html>`

	text, err := ExtractText([]byte(page), "https://example.com")
	require.NoError(t, err)
	assert.Contains(t, text, "tiny")
	assert.NotContains(t, text, "var x")
}
