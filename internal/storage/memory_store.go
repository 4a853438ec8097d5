package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	memerr "infinite-mcp-memory/internal/errors"
	"infinite-mcp-memory/pkg/types"
)

// MemoryStore is an in-memory Store used by tests and ephemeral sessions.
// It honors the same contract as the SQL adapter, including the unique
// indexes on memory_index.source_id, metadata.scope_name and
// user_profile (user_id, key).
type MemoryStore struct {
	mu sync.RWMutex

	conversations map[string]types.ConversationMemory
	summaries     map[string]types.SummaryMemory
	index         map[string]types.MemoryIndexItem // keyed by source_id
	scopes        map[string]types.MemoryScope     // keyed by scope_name
	profile       map[string]types.UserProfileItem // keyed by user_id+"\x00"+key

	defaultScope string
	closed       bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(defaultScope string) *MemoryStore {
	if defaultScope == "" {
		defaultScope = types.DefaultScope
	}
	return &MemoryStore{
		conversations: make(map[string]types.ConversationMemory),
		summaries:     make(map[string]types.SummaryMemory),
		index:         make(map[string]types.MemoryIndexItem),
		scopes:        make(map[string]types.MemoryScope),
		profile:       make(map[string]types.UserProfileItem),
		defaultScope:  defaultScope,
	}
}

// Initialize bootstraps the default scope.
func (s *MemoryStore) Initialize(ctx context.Context) error {
	err := s.CreateScope(ctx, &types.MemoryScope{
		ID:          types.NewID(),
		ScopeName:   s.defaultScope,
		Description: "Default global memory scope",
		CreatedAt:   time.Now().UTC(),
		Active:      true,
	})
	if err != nil && !memerr.Is(err, memerr.KindStoreIntegrity) {
		return err
	}
	return nil
}

// HealthCheck reports whether the store is usable.
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return memerr.New(memerr.KindStoreUnavailable, "store closed")
	}
	return nil
}

// Close marks the store unusable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// --- conversation_history ---

func (s *MemoryStore) InsertConversation(ctx context.Context, m *types.ConversationMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[m.ID] = *m
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*types.ConversationMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.conversations[id]
	if !ok {
		return nil, memerr.Newf(memerr.KindNotFound, "memory %s not found", id)
	}
	return &m, nil
}

func matchesFilter(m *types.ConversationMemory, f *ConversationFilter) bool {
	if f.Scope != "" && m.Scope != f.Scope {
		return false
	}
	if f.ConversationID != "" && m.ConversationID != f.ConversationID {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, t := range m.Tags {
			if t == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TextContains != "" &&
		!strings.Contains(strings.ToLower(m.Text), strings.ToLower(f.TextContains)) {
		return false
	}
	if f.TimeRange != nil && !f.TimeRange.Contains(m.Timestamp) {
		return false
	}
	return true
}

func (s *MemoryStore) FindConversations(ctx context.Context, f *ConversationFilter) ([]types.ConversationMemory, error) {
	if f == nil {
		f = &ConversationFilter{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.ConversationMemory
	for _, m := range s.conversations {
		if matchesFilter(&m, f) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateConversation(ctx context.Context, m *types.ConversationMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[m.ID]; !ok {
		return memerr.Newf(memerr.KindNotFound, "memory %s not found", m.ID)
	}
	s.conversations[m.ID] = *m
	return nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return false, nil
	}
	delete(s.conversations, id)
	return true, nil
}

func (s *MemoryStore) deleteWhere(match func(*types.ConversationMemory) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, m := range s.conversations {
		if match(&m) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(s.conversations, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *MemoryStore) DeleteConversationsByScope(ctx context.Context, scope string) ([]string, error) {
	return s.deleteWhere(func(m *types.ConversationMemory) bool { return m.Scope == scope }), nil
}

func (s *MemoryStore) DeleteConversationsByTag(ctx context.Context, tag string) ([]string, error) {
	return s.deleteWhere(func(m *types.ConversationMemory) bool {
		for _, t := range m.Tags {
			if t == tag {
				return true
			}
		}
		return false
	}), nil
}

func (s *MemoryStore) DeleteConversationsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.deleteWhere(func(m *types.ConversationMemory) bool { return m.Timestamp.Before(cutoff) }), nil
}

// --- summaries ---

func (s *MemoryStore) InsertSummary(ctx context.Context, sm *types.SummaryMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[sm.ID] = *sm
	return nil
}

func (s *MemoryStore) GetSummary(ctx context.Context, id string) (*types.SummaryMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sm, ok := s.summaries[id]
	if !ok {
		return nil, memerr.Newf(memerr.KindNotFound, "summary %s not found", id)
	}
	return &sm, nil
}

func sortSummaries(out []types.SummaryMemory) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
}

func (s *MemoryStore) GetSummariesByConversation(ctx context.Context, conversationID string) ([]types.SummaryMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.SummaryMemory
	for _, sm := range s.summaries {
		if sm.ConversationID == conversationID {
			out = append(out, sm)
		}
	}
	sortSummaries(out)
	return out, nil
}

func (s *MemoryStore) LatestSummariesByScope(ctx context.Context, scope string, limit int) ([]types.SummaryMemory, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.SummaryMemory
	for _, sm := range s.summaries {
		if sm.Scope == scope {
			out = append(out, sm)
		}
	}
	sortSummaries(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteSummary(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.summaries[id]; !ok {
		return false, nil
	}
	delete(s.summaries, id)
	return true, nil
}

// --- memory_index ---

func (s *MemoryStore) UpsertIndexEntry(ctx context.Context, item *types.MemoryIndexItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[item.SourceID] = *item
	return nil
}

func (s *MemoryStore) GetIndexBySourceID(ctx context.Context, sourceID string) (*types.MemoryIndexItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.index[sourceID]
	if !ok {
		return nil, memerr.Newf(memerr.KindNotFound, "index entry for %s not found", sourceID)
	}
	return &item, nil
}

func (s *MemoryStore) FindIndexEntries(ctx context.Context, sourceCollection, scope string) ([]types.MemoryIndexItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.MemoryIndexItem
	for _, item := range s.index {
		if sourceCollection != "" && item.SourceCollection != sourceCollection {
			continue
		}
		if scope != "" && item.Scope != scope {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

func (s *MemoryStore) DeleteIndexBySourceID(ctx context.Context, sourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[sourceID]; !ok {
		return false, nil
	}
	delete(s.index, sourceID)
	return true, nil
}

func (s *MemoryStore) DeleteIndexBySourceIDs(ctx context.Context, sourceIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range sourceIDs {
		if _, ok := s.index[id]; ok {
			delete(s.index, id)
			n++
		}
	}
	return n, nil
}

// --- metadata (scopes) ---

func (s *MemoryStore) CreateScope(ctx context.Context, scope *types.MemoryScope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.scopes[scope.ScopeName]; exists {
		return memerr.Newf(memerr.KindStoreIntegrity, "scope %s already exists", scope.ScopeName)
	}
	s.scopes[scope.ScopeName] = *scope
	return nil
}

func (s *MemoryStore) GetScope(ctx context.Context, name string) (*types.MemoryScope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scopes[name]
	if !ok {
		return nil, memerr.Newf(memerr.KindNotFound, "scope %s not found", name)
	}
	return &sc, nil
}

func (s *MemoryStore) ListScopes(ctx context.Context) ([]types.MemoryScope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.MemoryScope, 0, len(s.scopes))
	for _, sc := range s.scopes {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScopeName < out[j].ScopeName })
	return out, nil
}

func (s *MemoryStore) DeactivateScope(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[name]
	if !ok {
		return memerr.Newf(memerr.KindNotFound, "scope %s not found", name)
	}
	sc.Active = false
	s.scopes[name] = sc
	return nil
}

// --- user_profile ---

func profileKey(userID, key string) string { return userID + "\x00" + key }

func (s *MemoryStore) UpsertProfileItem(ctx context.Context, item *types.UserProfileItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile[profileKey(item.UserID, item.Key)] = *item
	return nil
}

func (s *MemoryStore) GetProfileItems(ctx context.Context, userID, category string) ([]types.UserProfileItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.UserProfileItem
	for _, item := range s.profile {
		if item.UserID != userID {
			continue
		}
		if category != "" && item.Category != category {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// --- snapshot hooks ---

func (s *MemoryStore) AllSummaries(ctx context.Context) ([]types.SummaryMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.SummaryMemory, 0, len(s.summaries))
	for _, sm := range s.summaries {
		out = append(out, sm)
	}
	sortSummaries(out)
	return out, nil
}

func (s *MemoryStore) AllProfileItems(ctx context.Context) ([]types.UserProfileItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.UserProfileItem, 0, len(s.profile))
	for _, item := range s.profile {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// --- aggregation hooks ---

func (s *MemoryStore) CountConversations(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.conversations)), nil
}

func (s *MemoryStore) DistinctConversationIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, m := range s.conversations {
		seen[m.ConversationID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) CountSummaries(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.summaries)), nil
}

func (s *MemoryStore) CountIndexEntries(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.index)), nil
}

func (s *MemoryStore) CountByScope(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int64, len(s.scopes))
	for name := range s.scopes {
		counts[name] = 0
	}
	for _, m := range s.conversations {
		counts[m.Scope]++
	}
	return counts, nil
}

func (s *MemoryStore) TopTags(ctx context.Context, n int) ([]types.TagCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int64)
	for _, m := range s.conversations {
		for _, t := range m.Tags {
			counts[t]++
		}
	}
	return topTagCounts(counts, n), nil
}

func (s *MemoryStore) SizeBytes(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, m := range s.conversations {
		total += int64(len(m.Text))
		for _, t := range m.Tags {
			total += int64(len(t))
		}
	}
	for _, sm := range s.summaries {
		total += int64(len(sm.SummaryText))
	}
	for _, item := range s.index {
		total += int64(len(item.Embedding) * 8)
	}
	return total, nil
}

// topTagCounts ranks tag frequencies: count descending, tag ascending on ties.
func topTagCounts(counts map[string]int64, n int) []types.TagCount {
	out := make([]types.TagCount, 0, len(counts))
	for tag, count := range counts {
		out = append(out, types.TagCount{Tag: tag, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
