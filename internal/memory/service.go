// Package memory is the contract layer above the repository: it applies
// defaults, resolves scopes (auto-creating when enabled), dispatches deletes
// by criterion precedence, and shapes retrieval with post-hoc filters.
package memory

import (
	"context"
	"time"

	"infinite-mcp-memory/internal/config"
	memerr "infinite-mcp-memory/internal/errors"
	"infinite-mcp-memory/internal/logging"
	"infinite-mcp-memory/internal/repository"
	"infinite-mcp-memory/pkg/types"
)

// DefaultUserID identifies the single local user of the profile collection.
const DefaultUserID = "local"

// Service wraps the repository with scope resolution and request defaults.
type Service struct {
	repo   *repository.Repository
	cfg    config.MemoryConfig
	logger logging.Logger
}

// NewService creates the memory service.
func NewService(repo *repository.Repository, cfg config.MemoryConfig, logger logging.Logger) *Service {
	if cfg.DefaultScope == "" {
		cfg.DefaultScope = types.DefaultScope
	}
	return &Service{repo: repo, cfg: cfg, logger: logger.WithComponent("memory")}
}

// Repository exposes the underlying repository for maintenance operations.
func (s *Service) Repository() *repository.Repository { return s.repo }

// DefaultScope returns the configured default scope name.
func (s *Service) DefaultScope() string { return s.cfg.DefaultScope }

// resolveScope applies the default and ensures the scope exists, creating it
// when auto-create is enabled. A lost creation race counts as success.
func (s *Service) resolveScope(ctx context.Context, scope string) (string, error) {
	if scope == "" {
		scope = s.cfg.DefaultScope
	}
	_, err := s.repo.GetScope(ctx, scope)
	if err == nil {
		return scope, nil
	}
	if !memerr.Is(err, memerr.KindNotFound) {
		return "", err
	}
	if !s.cfg.AutoCreateScope {
		return "", memerr.Newf(memerr.KindUnknownScope, "unknown scope %q", scope)
	}
	createErr := s.repo.CreateScope(ctx, &types.MemoryScope{
		ID:        types.NewID(),
		ScopeName: scope,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	})
	if createErr != nil && !memerr.Is(createErr, memerr.KindStoreIntegrity) {
		return "", createErr
	}
	s.logger.Info("scope auto-created", "scope", scope)
	return scope, nil
}

// StoreRequest carries a store_memory payload after transport decoding.
type StoreRequest struct {
	Content        string
	Scope          string
	Tags           []string
	ConversationID string
	Speaker        types.Speaker
	Timestamp      time.Time
}

// StoreMemory validates, applies defaults, resolves the scope and persists
// one memory.
func (s *Service) StoreMemory(ctx context.Context, req *StoreRequest) (*types.ConversationMemory, error) {
	if req.Content == "" {
		return nil, memerr.New(memerr.KindInvalidRequest, "content is required")
	}
	scope, err := s.resolveScope(ctx, req.Scope)
	if err != nil {
		return nil, err
	}
	speaker := req.Speaker
	if speaker == "" {
		speaker = types.SpeakerUser
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = types.NewID()
	}
	m := &types.ConversationMemory{
		ID:             types.NewID(),
		ConversationID: conversationID,
		Speaker:        speaker,
		Text:           req.Content,
		Scope:          scope,
		Tags:           types.NormalizeTags(req.Tags),
		Timestamp:      ts,
	}
	if err := s.repo.StoreMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateRequest names the mutable fields of a memory; nil means unchanged.
type UpdateRequest struct {
	MemoryID  string
	Text      *string
	Scope     *string
	Tags      []string
	Timestamp *time.Time
}

// UpdateMemory rewrites a memory's mutable fields and refreshes its index.
func (s *Service) UpdateMemory(ctx context.Context, req *UpdateRequest) (*types.ConversationMemory, error) {
	if req.MemoryID == "" {
		return nil, memerr.New(memerr.KindInvalidRequest, "memory_id is required")
	}
	m, err := s.repo.GetMessage(ctx, req.MemoryID)
	if err != nil {
		return nil, err
	}
	if req.Text != nil {
		m.Text = *req.Text
	}
	if req.Scope != nil {
		scope, err := s.resolveScope(ctx, *req.Scope)
		if err != nil {
			return nil, err
		}
		m.Scope = scope
	}
	if req.Tags != nil {
		m.Tags = types.NormalizeTags(req.Tags)
	}
	if req.Timestamp != nil {
		m.Timestamp = *req.Timestamp
	}
	if err := s.repo.UpdateMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// RetrieveRequest carries a retrieve_memory payload.
type RetrieveRequest struct {
	Query     string
	Scope     string
	Tags      []string
	TimeRange *types.TimeRange
	Limit     int
	Threshold float64
}

// RetrieveMemory runs hybrid search then applies tag (all-of) and time-range
// filters post-hoc. An empty result is not an error.
func (s *Service) RetrieveMemory(ctx context.Context, req *RetrieveRequest) ([]types.SearchResult, error) {
	if req.Query == "" {
		return nil, memerr.New(memerr.KindInvalidRequest, "query is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = repository.DefaultSearchLimit
	}
	// Over-fetch so post-hoc filters do not starve the page.
	fetch := limit
	if req.TimeRange != nil || len(req.Tags) > 0 {
		fetch = limit * 4
	}
	results, err := s.repo.SearchHybrid(ctx, req.Query, req.Scope, fetch, req.Threshold)
	if err != nil {
		return nil, err
	}
	filtered := results[:0]
	for _, res := range results {
		if !res.Memory.HasAllTags(req.Tags) {
			continue
		}
		if req.TimeRange != nil && !req.TimeRange.Contains(res.Memory.Timestamp) {
			continue
		}
		filtered = append(filtered, res)
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// SearchByTag returns memories carrying the tag, newest first.
func (s *Service) SearchByTag(ctx context.Context, tag, scope string, limit int) ([]types.SearchResult, error) {
	if tag == "" {
		return nil, memerr.New(memerr.KindInvalidRequest, "tag is required")
	}
	return s.repo.SearchByTag(ctx, tag, scope, limit)
}

// SearchByScope returns memories in the scope, newest first.
func (s *Service) SearchByScope(ctx context.Context, scope string, limit int) ([]types.SearchResult, error) {
	if scope == "" {
		return nil, memerr.New(memerr.KindInvalidRequest, "scope is required")
	}
	return s.repo.SearchByScope(ctx, scope, limit)
}

// DeleteTarget names exactly one deletion criterion. When several are set the
// precedence is memory_id, then scope, then tag, then query.
type DeleteTarget struct {
	MemoryID string
	Scope    string
	Tag      string
	Query    string
}

// DeleteMemory dispatches a delete by criterion precedence. forgetMode is
// accepted for wire compatibility; every delete is hard.
func (s *Service) DeleteMemory(ctx context.Context, target *DeleteTarget, forgetMode string) (int64, error) {
	if forgetMode == "soft" {
		s.logger.Debug("soft forget requested, performing hard delete")
	}
	switch {
	case target == nil:
		return 0, memerr.New(memerr.KindInvalidRequest, "delete target is required")
	case target.MemoryID != "":
		return s.repo.DeleteMessage(ctx, target.MemoryID)
	case target.Scope != "":
		return s.repo.DeleteByScope(ctx, target.Scope)
	case target.Tag != "":
		return s.repo.DeleteByTag(ctx, target.Tag)
	case target.Query != "":
		return s.deleteByQuery(ctx, target.Query)
	default:
		return 0, memerr.New(memerr.KindInvalidRequest, "delete target requires memory_id, scope, tag or query")
	}
}

// deleteByQuery removes every lexical match for the query, draining in pages
// until none remain.
func (s *Service) deleteByQuery(ctx context.Context, query string) (int64, error) {
	const page = 100
	var deleted int64
	for {
		results, err := s.repo.SearchLexical(ctx, query, "", page)
		if err != nil {
			return deleted, err
		}
		if len(results) == 0 {
			return deleted, nil
		}
		for _, res := range results {
			n, err := s.repo.DeleteMessage(ctx, res.Memory.ID)
			if err != nil {
				return deleted, err
			}
			deleted += n
		}
	}
}

// IncomingMessage is one element of a store_conversation_history batch.
type IncomingMessage struct {
	Speaker   types.Speaker
	Text      string
	Tags      []string
	Timestamp time.Time
}

// StoreConversationHistory stores a batch of messages in order under one
// conversation id, generating the id when absent.
func (s *Service) StoreConversationHistory(ctx context.Context, messages []IncomingMessage, conversationID, scope string) (string, []string, error) {
	if len(messages) == 0 {
		return "", nil, memerr.New(memerr.KindInvalidRequest, "messages are required")
	}
	resolved, err := s.resolveScope(ctx, scope)
	if err != nil {
		return "", nil, err
	}
	if conversationID == "" {
		conversationID = types.NewID()
	}
	batch := make([]*types.ConversationMemory, 0, len(messages))
	now := time.Now().UTC()
	for i, in := range messages {
		if in.Text == "" {
			return "", nil, memerr.Newf(memerr.KindInvalidRequest, "message %d has no text", i)
		}
		speaker := in.Speaker
		if speaker == "" {
			speaker = types.SpeakerUser
		}
		if !speaker.Valid() {
			return "", nil, memerr.Newf(memerr.KindInvalidRequest, "message %d has invalid speaker %q", i, in.Speaker)
		}
		ts := in.Timestamp
		if ts.IsZero() {
			// Preserve batch order under a shared wall clock.
			ts = now.Add(time.Duration(i) * time.Millisecond)
		}
		batch = append(batch, &types.ConversationMemory{
			ID:             types.NewID(),
			ConversationID: conversationID,
			Speaker:        speaker,
			Text:           in.Text,
			Scope:          resolved,
			Tags:           types.NormalizeTags(in.Tags),
			Timestamp:      ts,
		})
	}
	if err := s.repo.StoreBatch(ctx, batch); err != nil {
		return "", nil, err
	}
	ids := make([]string, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	return conversationID, ids, nil
}

// ConversationHistory returns a conversation's messages oldest first.
func (s *Service) ConversationHistory(ctx context.Context, conversationID string, limit int) ([]types.ConversationMemory, error) {
	if conversationID == "" {
		return nil, memerr.New(memerr.KindInvalidRequest, "conversation_id is required")
	}
	return s.repo.ConversationHistory(ctx, conversationID, limit)
}

// ListConversations returns per-conversation aggregates, newest activity
// first.
func (s *Service) ListConversations(ctx context.Context, limit int, scope string, includeMessages bool) ([]types.ConversationInfo, error) {
	if limit <= 0 {
		limit = repository.DefaultSearchLimit
	}
	return s.repo.ListConversations(ctx, limit, scope, includeMessages)
}

// ConversationSummaries lists summaries for a conversation or, when the
// conversation id is empty, the latest summaries in the scope.
func (s *Service) ConversationSummaries(ctx context.Context, conversationID, scope string, limit int) ([]types.SummaryMemory, error) {
	if conversationID != "" {
		return s.repo.SummariesByConversation(ctx, conversationID)
	}
	if scope == "" {
		scope = s.cfg.DefaultScope
	}
	return s.repo.LatestSummaries(ctx, scope, limit)
}

// Stats assembles collection statistics.
func (s *Service) Stats(ctx context.Context) (*types.MemoryStats, error) {
	return s.repo.Stats(ctx, 10)
}

// SetProfileItem writes a key/value fact about the user.
func (s *Service) SetProfileItem(ctx context.Context, userID, key, value, category string) (*types.UserProfileItem, error) {
	if key == "" || value == "" {
		return nil, memerr.New(memerr.KindInvalidRequest, "key and value are required")
	}
	if userID == "" {
		userID = DefaultUserID
	}
	if category == "" {
		category = types.CategoryFacts
	}
	item := &types.UserProfileItem{
		ID:        types.NewID(),
		UserID:    userID,
		Key:       key,
		Value:     value,
		Category:  category,
		Timestamp: time.Now().UTC(),
	}
	if err := s.repo.SetProfileItem(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// Profile lists a user's profile facts, optionally by category.
func (s *Service) Profile(ctx context.Context, userID, category string) ([]types.UserProfileItem, error) {
	if userID == "" {
		userID = DefaultUserID
	}
	return s.repo.ProfileItems(ctx, userID, category)
}

// EnforceRetention hard-deletes messages older than the configured window.
// A non-positive retention disables enforcement.
func (s *Service) EnforceRetention(ctx context.Context) (int64, error) {
	if s.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	return s.repo.DeleteOlderThan(ctx, cutoff)
}
