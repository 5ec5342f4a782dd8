package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/alcove-sh/alcove/internal/repository"
)

// MemoryRepo implements repository.MemoryRepository.
type MemoryRepo struct {
	db *DB
}

// NewMemoryRepo creates a user-memory store backed by PostgreSQL.
func NewMemoryRepo(db *DB) *MemoryRepo {
	return &MemoryRepo{db: db}
}

// Upsert inserts or refreshes one fact. Facts are unique per (user,
// category, content); repeating an upsert only touches updated_at.
func (r *MemoryRepo) Upsert(ctx context.Context, fact *repository.MemoryFact) error {
	if !repository.ValidCategory(fact.Category) {
		return fmt.Errorf("invalid memory category %q", fact.Category)
	}

	query := `
		INSERT INTO user_memory (id, user_id, category, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, category, content)
		DO UPDATE SET updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Pool.Exec(ctx, query,
		fact.ID, fact.UserID, fact.Category, fact.Content, fact.CreatedAt, fact.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert memory fact: %w", err)
	}
	return nil
}

// ListByUser returns every fact for a user in a stable order, so the
// memory hash in the cache fingerprint is deterministic.
func (r *MemoryRepo) ListByUser(ctx context.Context, userID string) ([]*repository.MemoryFact, error) {
	query := `
		SELECT id, user_id, category, content, created_at, updated_at
		FROM user_memory
		WHERE user_id = $1
		ORDER BY category, content
	`
	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory facts: %w", err)
	}
	defer rows.Close()

	var facts []*repository.MemoryFact
	for rows.Next() {
		var f repository.MemoryFact
		if err := rows.Scan(&f.ID, &f.UserID, &f.Category, &f.Content, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory fact: %w", err)
		}
		facts = append(facts, &f)
	}
	return facts, rows.Err()
}

// Delete removes one fact.
func (r *MemoryRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM user_memory WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete memory fact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Ensure MemoryRepo implements the interface.
var _ repository.MemoryRepository = (*MemoryRepo)(nil)
