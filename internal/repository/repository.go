// Package repository owns all collection writes and keeps the vector index
// consistent with its source documents. Embedding jobs run asynchronously; a
// per-source pending-operations table makes index writes linearizable per
// document, with newer jobs superseding older ones.
package repository

import (
	"context"
	"sync"
	"time"

	"infinite-mcp-memory/internal/embeddings"
	memerr "infinite-mcp-memory/internal/errors"
	"infinite-mcp-memory/internal/logging"
	"infinite-mcp-memory/internal/storage"
	"infinite-mcp-memory/pkg/types"
)

const previewLength = 100

// pendingOp tracks the index-write lifecycle of one source document. The
// entry lives from the first scheduled job until the newest job's write has
// landed and no callback is still writing.
type pendingOp struct {
	gen       uint64 // newest scheduled job; only it settles the entry
	writers   int    // callbacks currently writing to the store
	cancelled bool   // document deleted; rows written in flight are undone
	done      bool   // newest job's write has landed
}

// Repository mediates every write to the five collections and schedules the
// embedding work that keeps memory_index in step with them.
type Repository struct {
	store    storage.Store
	embedder *embeddings.Service
	logger   logging.Logger

	// pending maps source_id to its index-write state. A callback whose
	// generation is stale or whose document was deleted skips (or undoes)
	// the index write.
	mu      sync.Mutex
	pending map[string]*pendingOp
	nextGen uint64
}

// New creates a repository over the given store and embedding service.
func New(store storage.Store, embedder *embeddings.Service, logger logging.Logger) *Repository {
	return &Repository{
		store:    store,
		embedder: embedder,
		logger:   logger.WithComponent("repository"),
		pending:  make(map[string]*pendingOp),
	}
}

// Store exposes the underlying store for health checks and backups.
func (r *Repository) Store() storage.Store { return r.store }

func preview(text string) string {
	runes := []rune(text)
	if len(runes) > previewLength {
		return string(runes[:previewLength])
	}
	return text
}

// scheduleIndex queues an embedding job for a source document. At most the
// newest job per source_id writes the index row; superseded callbacks return
// without touching the store.
func (r *Repository) scheduleIndex(sourceID, sourceCollection, text, scope string) {
	r.mu.Lock()
	r.nextGen++
	gen := r.nextGen
	op, ok := r.pending[sourceID]
	if !ok {
		op = &pendingOp{}
		r.pending[sourceID] = op
	}
	op.gen = gen
	op.done = false
	r.mu.Unlock()

	meta := map[string]any{
		"text_preview": preview(text),
		"indexed_at":   time.Now().UTC().Format(time.RFC3339),
	}

	r.embedder.GenerateAsync(text, func(vector []float64) {
		r.mu.Lock()
		op, ok := r.pending[sourceID]
		if !ok || op.cancelled || op.gen != gen {
			// A cancelled entry with nothing in flight has no one else to
			// clean it up.
			if ok && op.cancelled && op.writers == 0 {
				delete(r.pending, sourceID)
			}
			r.mu.Unlock()
			return
		}
		op.writers++
		r.mu.Unlock()

		err := r.store.UpsertIndexEntry(context.Background(), &types.MemoryIndexItem{
			ID:               types.NewID(),
			SourceID:         sourceID,
			SourceCollection: sourceCollection,
			Scope:            scope,
			Embedding:        vector,
			Metadata:         meta,
		})

		// The entry stays in the table until the write lands. A delete that
		// raced the write shows up as a cancellation mark here; the row it
		// could not cancel in time is taken back out so the cascade holds.
		r.mu.Lock()
		op.writers--
		if op.gen == gen {
			op.done = true
		}
		cancelled := op.cancelled
		if op.writers == 0 && (op.cancelled || op.done) {
			delete(r.pending, sourceID)
		}
		r.mu.Unlock()

		if err != nil {
			// The document stays findable through lexical search.
			r.logger.Warn("index write failed", "source_id", sourceID, "error", err)
			return
		}
		if cancelled {
			if _, err := r.store.DeleteIndexBySourceID(context.Background(), sourceID); err != nil {
				r.logger.Warn("index cleanup after delete failed", "source_id", sourceID, "error", err)
			}
		}
	})
}

// cancelPending marks queued index writes for deleted documents as cancelled.
// The mark survives until every writer has observed it, so a write already in
// flight undoes itself instead of resurrecting a row for a deleted document.
func (r *Repository) cancelPending(sourceIDs ...string) {
	r.mu.Lock()
	for _, id := range sourceIDs {
		if op, ok := r.pending[id]; ok {
			op.cancelled = true
		}
	}
	r.mu.Unlock()
}

// StoreMessage inserts a conversation message and schedules its indexing.
func (r *Repository) StoreMessage(ctx context.Context, m *types.ConversationMemory) error {
	if err := m.Validate(); err != nil {
		return memerr.Wrap(memerr.KindInvalidRequest, "invalid memory", err)
	}
	if err := r.store.InsertConversation(ctx, m); err != nil {
		return err
	}
	r.scheduleIndex(m.ID, types.SourceConversationHistory, m.Text, m.Scope)
	return nil
}

// UpdateMessage rewrites a message and refreshes its index entry.
func (r *Repository) UpdateMessage(ctx context.Context, m *types.ConversationMemory) error {
	if m.ID == "" {
		return memerr.New(memerr.KindInvalidRequest, "memory id is required for update")
	}
	if err := r.store.UpdateConversation(ctx, m); err != nil {
		return err
	}
	r.scheduleIndex(m.ID, types.SourceConversationHistory, m.Text, m.Scope)
	return nil
}

// GetMessage fetches one message by id.
func (r *Repository) GetMessage(ctx context.Context, id string) (*types.ConversationMemory, error) {
	return r.store.GetConversation(ctx, id)
}

// DeleteMessage removes a message and its index row, in that order. Deleting
// an absent id reports zero without error.
func (r *Repository) DeleteMessage(ctx context.Context, id string) (int64, error) {
	r.cancelPending(id)
	removed, err := r.store.DeleteConversation(ctx, id)
	if err != nil {
		return 0, err
	}
	if !removed {
		return 0, nil
	}
	if _, err := r.store.DeleteIndexBySourceID(ctx, id); err != nil {
		return 1, err
	}
	return 1, nil
}

// DeleteByScope removes every message in scope and cascades to the index.
func (r *Repository) DeleteByScope(ctx context.Context, scope string) (int64, error) {
	ids, err := r.store.DeleteConversationsByScope(ctx, scope)
	if err != nil {
		return 0, err
	}
	return r.cascade(ctx, ids)
}

// DeleteByTag removes every message carrying tag and cascades to the index.
func (r *Repository) DeleteByTag(ctx context.Context, tag string) (int64, error) {
	ids, err := r.store.DeleteConversationsByTag(ctx, tag)
	if err != nil {
		return 0, err
	}
	return r.cascade(ctx, ids)
}

// DeleteOlderThan removes messages older than cutoff; retention enforcement.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ids, err := r.store.DeleteConversationsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	return r.cascade(ctx, ids)
}

func (r *Repository) cascade(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	r.cancelPending(ids...)
	if _, err := r.store.DeleteIndexBySourceIDs(ctx, ids); err != nil {
		return int64(len(ids)), err
	}
	return int64(len(ids)), nil
}

// StoreSummary inserts a summary and schedules its indexing under the
// summaries source collection.
func (r *Repository) StoreSummary(ctx context.Context, sm *types.SummaryMemory) error {
	if err := r.store.InsertSummary(ctx, sm); err != nil {
		return err
	}
	r.scheduleIndex(sm.ID, types.SourceSummaries, sm.SummaryText, sm.Scope)
	return nil
}

// DeleteSummary removes a summary and its index row.
func (r *Repository) DeleteSummary(ctx context.Context, id string) (int64, error) {
	r.cancelPending(id)
	removed, err := r.store.DeleteSummary(ctx, id)
	if err != nil {
		return 0, err
	}
	if !removed {
		return 0, nil
	}
	if _, err := r.store.DeleteIndexBySourceID(ctx, id); err != nil {
		return 1, err
	}
	return 1, nil
}

// SummariesByConversation lists summaries for one conversation, newest first.
func (r *Repository) SummariesByConversation(ctx context.Context, conversationID string) ([]types.SummaryMemory, error) {
	return r.store.GetSummariesByConversation(ctx, conversationID)
}

// LatestSummaries lists the newest summaries in scope.
func (r *Repository) LatestSummaries(ctx context.Context, scope string, limit int) ([]types.SummaryMemory, error) {
	return r.store.LatestSummariesByScope(ctx, scope, limit)
}

// PurgeOrphanedIndexEntries removes index rows whose source document no
// longer exists. Used by optimize.
func (r *Repository) PurgeOrphanedIndexEntries(ctx context.Context) (int64, error) {
	entries, err := r.store.FindIndexEntries(ctx, "", "")
	if err != nil {
		return 0, err
	}
	var orphans []string
	for i := range entries {
		e := &entries[i]
		var lookupErr error
		switch e.SourceCollection {
		case types.SourceConversationHistory:
			_, lookupErr = r.store.GetConversation(ctx, e.SourceID)
		case types.SourceSummaries:
			_, lookupErr = r.store.GetSummary(ctx, e.SourceID)
		default:
			orphans = append(orphans, e.SourceID)
			continue
		}
		if memerr.Is(lookupErr, memerr.KindNotFound) {
			orphans = append(orphans, e.SourceID)
		} else if lookupErr != nil {
			return 0, lookupErr
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	return r.store.DeleteIndexBySourceIDs(ctx, orphans)
}

// PendingCount reports queued-but-unwritten index jobs; health reporting.
func (r *Repository) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
