// Package chunkstore provides durable storage of corpus chunks and their
// embedding vectors, with approximate-nearest-neighbor and metadata queries.
package chunkstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateID is returned by Add when any chunk id already exists.
	ErrDuplicateID = errors.New("chunkstore: duplicate chunk id")

	// ErrUnavailable is returned when the backend keeps failing after the
	// local retry. The orchestrator treats it as fatal for the corpus branch.
	ErrUnavailable = errors.New("chunkstore: store unavailable")
)

// ContentType tags what kind of evidence a chunk carries.
type ContentType string

const (
	ContentText        ContentType = "text"
	ContentTable       ContentType = "table"
	ContentSpreadsheet ContentType = "spreadsheet"
	ContentTranscript  ContentType = "transcript"
	ContentFrame       ContentType = "frame"
	ContentNote        ContentType = "note"
)

// Metadata describes where a chunk came from and how it was extracted.
type Metadata struct {
	DocumentID     string            `json:"document_id"`
	Ordinal        int               `json:"ordinal"`
	Page           int               `json:"page,omitempty"`
	TimestampStart float64           `json:"timestamp_start,omitempty"`
	TimestampEnd   float64           `json:"timestamp_end,omitempty"`
	Section        string            `json:"section,omitempty"`
	Extraction     string            `json:"extraction,omitempty"`
	ContentType    ContentType       `json:"content_type"`
	Keywords       []string          `json:"keywords,omitempty"`
	IngestedAt     time.Time         `json:"ingested_at"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// Chunk is one unit of indexed evidence. Chunks are immutable: created by
// ingestion, deleted as a set with their source document, never updated.
type Chunk struct {
	ID     string
	Text   string
	Vector []float32
	Meta   Metadata
}

// SearchHit is one result of a semantic search, sorted by cosine similarity
// descending. Scores are in [-1, 1]; callers must not assume [0, 1].
type SearchHit struct {
	ChunkID string
	Score   float32
	Text    string
	Meta    Metadata
}

// Filter narrows searches and listings.
type Filter struct {
	DocumentID  string
	ContentType ContentType
}

// Store is the chunk store contract of the retrieval subsystem. Reads are
// consistent with the most recent committed write within the process.
type Store interface {
	// Add inserts a batch. It fails with ErrDuplicateID if any id exists
	// already; the caller holds the ingestion write-lock.
	Add(ctx context.Context, chunks []Chunk) error

	// DeleteByDocument removes every chunk of the document and returns the
	// count removed.
	DeleteByDocument(ctx context.Context, docID string) (int, error)

	// SemanticSearch returns up to k hits sorted by cosine similarity
	// descending.
	SemanticSearch(ctx context.Context, vector []float32, k int, filter *Filter) ([]SearchHit, error)

	// List returns a metadata page for admin surfaces. Vectors are omitted.
	List(ctx context.Context, filter *Filter, limit, offset int) ([]Chunk, error)

	// Count returns the number of stored chunks.
	Count(ctx context.Context) (int, error)

	// Version increases on every successful Add or DeleteByDocument. The
	// response cache keys on it.
	Version() uint64

	Close() error
}
