// Package errs defines the error kinds surfaced by the query pipeline and a
// small typed error that carries one.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for HTTP mapping and response metadata.
type Kind string

const (
	// KindInvalidRequest means the request was malformed: bad mode, missing
	// query, zero deadline.
	KindInvalidRequest Kind = "invalid_request"

	// KindAuthRequired means the bearer token was missing or rejected.
	KindAuthRequired Kind = "auth_required"

	// KindSourceUnavailable means a retrieval branch the mode requires failed.
	KindSourceUnavailable Kind = "source_unavailable"

	// KindGeneratorBusy means waiting for a generation slot would have
	// exhausted the request deadline.
	KindGeneratorBusy Kind = "generator_busy"

	// KindGeneratorFailed means the LLM runtime errored or timed out.
	KindGeneratorFailed Kind = "generator_failed"

	// KindDeadlineExceeded means no mandatory branch produced results before
	// the request deadline.
	KindDeadlineExceeded Kind = "deadline_exceeded"

	// KindInternal is a bug.
	KindInternal Kind = "internal"
)

// Error is an error tagged with a Kind. Msg is safe to show to clients;
// Err holds the wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or KindInternal if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
