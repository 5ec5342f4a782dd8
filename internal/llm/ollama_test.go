package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateParsesResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		json.NewEncoder(w).Encode(generateResponse{
			Response:        "hello",
			Done:            true,
			PromptEvalCount: 12,
			EvalCount:       34,
		})
	}))
	defer ts.Close()

	c := NewOllamaClient(WithBaseURL(ts.URL))

	answer, stats, err := c.Generate(context.Background(), "hi", GenerateOptions{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "hello", answer)
	assert.Equal(t, "m", stats.Model)
	assert.Equal(t, 12, stats.PromptTokens)
	assert.Equal(t, 34, stats.CompletionTokens)
}

func TestGenerateDetachedQueueWaitBoundedByWaitContext(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var enteredOnce, releaseOnce sync.Once

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enteredOnce.Do(func() { close(entered) })
		<-release
		json.NewEncoder(w).Encode(generateResponse{Response: "ok", Done: true})
	}))
	defer ts.Close()
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })

	c := NewOllamaClient(WithBaseURL(ts.URL), WithMaxConcurrency(1))

	done := make(chan error, 1)
	go func() {
		_, _, err := c.Generate(context.Background(), "first", GenerateOptions{})
		done <- err
	}()
	<-entered

	// The single slot is held; a second call must give up when its wait
	// budget ends instead of queueing indefinitely.
	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := c.GenerateDetached(waitCtx, context.Background(), "second", GenerateOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Less(t, time.Since(start), time.Second)

	releaseOnce.Do(func() { close(release) })
	require.NoError(t, <-done)
}
