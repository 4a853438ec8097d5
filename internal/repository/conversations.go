package repository

import (
	"context"
	"sort"

	"infinite-mcp-memory/internal/storage"
	"infinite-mcp-memory/pkg/types"
)

const conversationPreviewCount = 3

// StoreBatch stores messages in the order given. All messages are expected to
// carry the same conversation id and resolved scope.
func (r *Repository) StoreBatch(ctx context.Context, messages []*types.ConversationMemory) error {
	for _, m := range messages {
		if err := r.StoreMessage(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// ConversationHistory returns a conversation's messages in chronological
// order. A zero limit returns everything.
func (r *Repository) ConversationHistory(ctx context.Context, conversationID string, limit int) ([]types.ConversationMemory, error) {
	docs, err := r.store.FindConversations(ctx, &storage.ConversationFilter{
		ConversationID: conversationID,
	})
	if err != nil {
		return nil, err
	}
	// The store returns newest first; history reads oldest first.
	for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
		docs[i], docs[j] = docs[j], docs[i]
	}
	if limit > 0 && len(docs) > limit {
		docs = docs[len(docs)-limit:]
	}
	return docs, nil
}

// ListConversations groups messages by conversation and returns per-
// conversation aggregates ordered by last activity, newest first. When
// includeMessages is set, the first three messages are attached as a preview.
func (r *Repository) ListConversations(ctx context.Context, limit int, scope string, includeMessages bool) ([]types.ConversationInfo, error) {
	docs, err := r.store.FindConversations(ctx, &storage.ConversationFilter{Scope: scope})
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]types.ConversationMemory)
	for _, doc := range docs {
		groups[doc.ConversationID] = append(groups[doc.ConversationID], doc)
	}

	infos := make([]types.ConversationInfo, 0, len(groups))
	for convID, msgs := range groups {
		// Each group arrives newest first; flip to chronological.
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
		info := types.ConversationInfo{
			ConversationID: convID,
			Scope:          msgs[0].Scope,
			MessageCount:   len(msgs),
			FirstTimestamp: msgs[0].Timestamp,
			LastTimestamp:  msgs[len(msgs)-1].Timestamp,
			FirstMessage:   preview(msgs[0].Text),
		}
		if includeMessages {
			n := conversationPreviewCount
			if n > len(msgs) {
				n = len(msgs)
			}
			info.PreviewMessages = append([]types.ConversationMemory(nil), msgs[:n]...)
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].LastTimestamp.Equal(infos[j].LastTimestamp) {
			return infos[i].LastTimestamp.After(infos[j].LastTimestamp)
		}
		return infos[i].ConversationID < infos[j].ConversationID
	})
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

// Stats assembles collection-level statistics.
func (r *Repository) Stats(ctx context.Context, topTags int) (*types.MemoryStats, error) {
	total, err := r.store.CountConversations(ctx)
	if err != nil {
		return nil, err
	}
	convIDs, err := r.store.DistinctConversationIDs(ctx)
	if err != nil {
		return nil, err
	}
	indexed, err := r.store.CountIndexEntries(ctx)
	if err != nil {
		return nil, err
	}
	summaries, err := r.store.CountSummaries(ctx)
	if err != nil {
		return nil, err
	}
	scopes, err := r.store.CountByScope(ctx)
	if err != nil {
		return nil, err
	}
	tags, err := r.store.TopTags(ctx, topTags)
	if err != nil {
		return nil, err
	}
	size, err := r.store.SizeBytes(ctx)
	if err != nil {
		return nil, err
	}
	return &types.MemoryStats{
		TotalMemories:     total,
		ConversationCount: int64(len(convIDs)),
		IndexedCount:      indexed,
		SummaryCount:      summaries,
		Scopes:            scopes,
		TopTags:           tags,
		SizeBytes:         size,
	}, nil
}
