package repository

import (
	"context"

	"infinite-mcp-memory/pkg/types"
)

// CreateScope persists a new scope document.
func (r *Repository) CreateScope(ctx context.Context, scope *types.MemoryScope) error {
	return r.store.CreateScope(ctx, scope)
}

// GetScope fetches a scope by name.
func (r *Repository) GetScope(ctx context.Context, name string) (*types.MemoryScope, error) {
	return r.store.GetScope(ctx, name)
}

// ListScopes returns every scope document.
func (r *Repository) ListScopes(ctx context.Context) ([]types.MemoryScope, error) {
	return r.store.ListScopes(ctx)
}

// SetProfileItem writes or replaces a user profile fact.
func (r *Repository) SetProfileItem(ctx context.Context, item *types.UserProfileItem) error {
	return r.store.UpsertProfileItem(ctx, item)
}

// ProfileItems lists a user's profile facts, optionally by category.
func (r *Repository) ProfileItems(ctx context.Context, userID, category string) ([]types.UserProfileItem, error) {
	return r.store.GetProfileItems(ctx, userID, category)
}
