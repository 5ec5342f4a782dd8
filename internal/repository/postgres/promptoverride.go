package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alcove-sh/alcove/internal/repository"
)

// PromptOverrideRepo implements repository.PromptOverrideRepository.
type PromptOverrideRepo struct {
	db *DB
}

// NewPromptOverrideRepo creates a prompt-override store backed by
// PostgreSQL.
func NewPromptOverrideRepo(db *DB) *PromptOverrideRepo {
	return &PromptOverrideRepo{db: db}
}

// Set stores or replaces the override for (user, mode).
func (r *PromptOverrideRepo) Set(ctx context.Context, override *repository.PromptOverride) error {
	query := `
		INSERT INTO prompt_overrides (user_id, mode, prompt, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, mode)
		DO UPDATE SET prompt = EXCLUDED.prompt, updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Pool.Exec(ctx, query,
		override.UserID, override.Mode, override.Prompt, override.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to set prompt override: %w", err)
	}
	return nil
}

// Get returns the override for (user, mode), or ErrNotFound.
func (r *PromptOverrideRepo) Get(ctx context.Context, userID, mode string) (*repository.PromptOverride, error) {
	query := `
		SELECT user_id, mode, prompt, updated_at
		FROM prompt_overrides
		WHERE user_id = $1 AND mode = $2
	`
	var o repository.PromptOverride
	err := r.db.Pool.QueryRow(ctx, query, userID, mode).Scan(&o.UserID, &o.Mode, &o.Prompt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get prompt override: %w", err)
	}
	return &o, nil
}

// Delete removes the override for (user, mode).
func (r *PromptOverrideRepo) Delete(ctx context.Context, userID, mode string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM prompt_overrides WHERE user_id = $1 AND mode = $2`, userID, mode)
	if err != nil {
		return fmt.Errorf("failed to delete prompt override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Ensure PromptOverrideRepo implements the interface.
var _ repository.PromptOverrideRepository = (*PromptOverrideRepo)(nil)
