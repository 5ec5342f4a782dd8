// Package llm provides the client for the local LLM runtime.
package llm

import (
	"context"
	"errors"
	"time"
)

// ErrBusy is returned when waiting for a generation slot would exhaust the
// caller's deadline.
var ErrBusy = errors.New("llm: generator busy")

// GenerateOptions configures one generation request.
type GenerateOptions struct {
	// Model is the generator model id (e.g. "llama3.2").
	Model string

	// System sets the system-level instructions for the model.
	System string

	// Temperature controls randomness (0.0 deterministic, 1.0 creative).
	Temperature float64

	// MaxTokens limits the response length. Zero means no limit.
	MaxTokens int
}

// Stats reports what the runtime measured for a completed generation.
type Stats struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	Elapsed          time.Duration
}

// ModelInfo describes one model the runtime can serve.
type ModelInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Client is the generator runtime contract: a single non-streaming
// completion call, model listing, and a health probe.
type Client interface {
	// Generate blocks until the runtime reports completion. The context
	// deadline is the hard timeout for both the slot wait and the
	// generation itself.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, Stats, error)

	// ListModels returns the models the runtime can serve. Results are
	// cached briefly.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// Ping reports whether the runtime is reachable.
	Ping(ctx context.Context) error
}

// DetachedGenerator is the two-phase form of Generate: the wait for a
// generation slot is bounded by waitCtx, the generation itself by runCtx.
// Callers use it to let an admitted generation outrun the request deadline
// without letting a queued one do the same.
type DetachedGenerator interface {
	GenerateDetached(waitCtx, runCtx context.Context, prompt string, opts GenerateOptions) (string, Stats, error)
}
