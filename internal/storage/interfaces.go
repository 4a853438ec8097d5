// Package storage provides the typed store adapter over the five logical
// collections, with a SQL implementation for embedded (SQLite) and external
// (PostgreSQL) modes and an in-memory variant satisfying the same contract.
package storage

import (
	"context"
	"time"

	"infinite-mcp-memory/pkg/types"
)

// ConversationFilter narrows FindConversations. Zero values mean "no filter".
type ConversationFilter struct {
	Scope          string
	Tag            string
	ConversationID string
	// TextContains matches case-insensitively as a substring of the text.
	TextContains string
	TimeRange    *types.TimeRange
	Limit        int
	Offset       int
}

// Store is the adapter contract over the five logical collections.
// Implementations must be safe for concurrent readers; writes are serialized
// only by the underlying store.
type Store interface {
	// Initialize creates collections, secondary indexes and the default
	// scope. It must be idempotent.
	Initialize(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Close() error

	// conversation_history
	InsertConversation(ctx context.Context, m *types.ConversationMemory) error
	GetConversation(ctx context.Context, id string) (*types.ConversationMemory, error)
	// FindConversations returns matches ordered by timestamp descending,
	// then id ascending.
	FindConversations(ctx context.Context, f *ConversationFilter) ([]types.ConversationMemory, error)
	UpdateConversation(ctx context.Context, m *types.ConversationMemory) error
	DeleteConversation(ctx context.Context, id string) (bool, error)
	// Mass deletes return the ids of removed documents so the caller can
	// cascade to the vector index.
	DeleteConversationsByScope(ctx context.Context, scope string) ([]string, error)
	DeleteConversationsByTag(ctx context.Context, tag string) ([]string, error)
	DeleteConversationsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)

	// summaries
	InsertSummary(ctx context.Context, s *types.SummaryMemory) error
	GetSummary(ctx context.Context, id string) (*types.SummaryMemory, error)
	GetSummariesByConversation(ctx context.Context, conversationID string) ([]types.SummaryMemory, error)
	LatestSummariesByScope(ctx context.Context, scope string, limit int) ([]types.SummaryMemory, error)
	DeleteSummary(ctx context.Context, id string) (bool, error)

	// memory_index. SourceID carries a unique index: upsert replaces.
	UpsertIndexEntry(ctx context.Context, item *types.MemoryIndexItem) error
	GetIndexBySourceID(ctx context.Context, sourceID string) (*types.MemoryIndexItem, error)
	// FindIndexEntries filters by source collection and scope; empty
	// strings match everything.
	FindIndexEntries(ctx context.Context, sourceCollection, scope string) ([]types.MemoryIndexItem, error)
	DeleteIndexBySourceID(ctx context.Context, sourceID string) (bool, error)
	DeleteIndexBySourceIDs(ctx context.Context, sourceIDs []string) (int64, error)

	// metadata (scopes). CreateScope returns a StoreIntegrity error when the
	// scope name already exists; the unique index is the arbiter of
	// concurrent auto-creation.
	CreateScope(ctx context.Context, scope *types.MemoryScope) error
	GetScope(ctx context.Context, name string) (*types.MemoryScope, error)
	ListScopes(ctx context.Context) ([]types.MemoryScope, error)
	DeactivateScope(ctx context.Context, name string) error

	// user_profile. Upsert is keyed by (user_id, key).
	UpsertProfileItem(ctx context.Context, item *types.UserProfileItem) error
	GetProfileItems(ctx context.Context, userID, category string) ([]types.UserProfileItem, error)

	// snapshot hooks for backups
	AllSummaries(ctx context.Context) ([]types.SummaryMemory, error)
	AllProfileItems(ctx context.Context) ([]types.UserProfileItem, error)

	// aggregation hooks for statistics
	CountConversations(ctx context.Context) (int64, error)
	DistinctConversationIDs(ctx context.Context) ([]string, error)
	CountSummaries(ctx context.Context) (int64, error)
	CountIndexEntries(ctx context.Context) (int64, error)
	CountByScope(ctx context.Context) (map[string]int64, error)
	TopTags(ctx context.Context, n int) ([]types.TagCount, error)
	SizeBytes(ctx context.Context) (int64, error)
}
