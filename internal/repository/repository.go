// Package repository defines domain models and data access interfaces for
// documents, per-user memory, and per-user prompt overrides.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Document status values.
const (
	StatusPending  = "pending"
	StatusIndexed  = "indexed"
	StatusFailed   = "failed"
	StatusDeleting = "deleting"
)

// Document is one ingested source document in the registry. Chunks live in
// the chunk store; the registry carries provenance and status.
type Document struct {
	ID           uuid.UUID
	Source       string
	Title        string
	ContentType  string
	ContentHash  string
	ChunkCount   int
	Status       string
	ErrorMessage string
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MemoryCategory is the closed set of per-user memory categories.
type MemoryCategory string

const (
	CategoryProfile     MemoryCategory = "profile"
	CategoryInterests   MemoryCategory = "interests"
	CategoryPersonal    MemoryCategory = "personal"
	CategoryInsights    MemoryCategory = "insights"
	CategoryPreferences MemoryCategory = "preferences"
	CategoryContext     MemoryCategory = "context"
)

// ValidCategory reports whether c is in the closed category set.
func ValidCategory(c MemoryCategory) bool {
	switch c {
	case CategoryProfile, CategoryInterests, CategoryPersonal,
		CategoryInsights, CategoryPreferences, CategoryContext:
		return true
	}
	return false
}

// MemoryFact is one stored fact about a user.
type MemoryFact struct {
	ID        uuid.UUID
	UserID    string
	Category  MemoryCategory
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PromptOverride replaces the built-in system prompt for one (user, mode)
// pair.
type PromptOverride struct {
	UserID    string
	Mode      string
	Prompt    string
	UpdatedAt time.Time
}

// DocumentRepository is the document registry contract.
type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	GetByHash(ctx context.Context, hash string) (*Document, error)
	List(ctx context.Context, status string, limit, offset int) ([]*Document, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status, errorMessage string, chunkCount int) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// MemoryRepository stores per-user facts.
type MemoryRepository interface {
	Upsert(ctx context.Context, fact *MemoryFact) error
	ListByUser(ctx context.Context, userID string) ([]*MemoryFact, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// PromptOverrideRepository stores per-user system prompt overrides.
type PromptOverrideRepository interface {
	Set(ctx context.Context, override *PromptOverride) error
	Get(ctx context.Context, userID, mode string) (*PromptOverride, error)
	Delete(ctx context.Context, userID, mode string) error
}
