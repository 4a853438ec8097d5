package mcp

import (
	"context"
	"encoding/json"
	"time"

	"infinite-mcp-memory/internal/embeddings"
	memerr "infinite-mcp-memory/internal/errors"
	"infinite-mcp-memory/internal/logging"
	"infinite-mcp-memory/internal/memory"
	"infinite-mcp-memory/pkg/types"
)

// BackupRunner is the slice of the backup manager optimize_memory drives.
type BackupRunner interface {
	CreateBackup(ctx context.Context) (string, error)
	CleanupOldBackups() (int, error)
}

// Handlers binds the command surface to the memory service.
type Handlers struct {
	svc      *memory.Service
	embedder *embeddings.Service
	backup   BackupRunner // nil when backups are disabled
	server   *Server
	logger   logging.Logger
}

// NewHandlers creates the handler set. backup may be nil.
func NewHandlers(svc *memory.Service, embedder *embeddings.Service, backup BackupRunner, logger logging.Logger) *Handlers {
	return &Handlers{
		svc:      svc,
		embedder: embedder,
		backup:   backup,
		logger:   logger.WithComponent("handlers"),
	}
}

// RegisterAll binds every action to the server.
func (h *Handlers) RegisterAll(server *Server) {
	h.server = server
	server.Register("ping", h.handlePing)
	server.Register("store_memory", h.handleStoreMemory)
	server.Register("retrieve_memory", h.handleRetrieveMemory)
	server.Register("search_by_tag", h.handleSearchByTag)
	server.Register("search_by_scope", h.handleSearchByScope)
	server.Register("delete_memory", h.handleDeleteMemory)
	server.Register("update_memory", h.handleUpdateMemory)
	server.Register("get_memory_stats", h.handleGetMemoryStats)
	server.Register("store_conversation_history", h.handleStoreConversationHistory)
	server.Register("get_conversation_history", h.handleGetConversationHistory)
	server.Register("get_conversations_list", h.handleGetConversationsList)
	server.Register("create_conversation_summary", h.handleCreateConversationSummary)
	server.Register("get_conversation_summaries", h.handleGetConversationSummaries)
	server.Register("update_user_profile", h.handleUpdateUserProfile)
	server.Register("get_user_profile", h.handleGetUserProfile)
	server.Register("health_check", h.handleHealthCheck)
	server.Register("optimize_memory", h.handleOptimizeMemory)
}

func decode(payload json.RawMessage, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return memerr.Wrap(memerr.KindInvalidRequest, "invalid request payload", err)
	}
	return nil
}

func (h *Handlers) handlePing(_ context.Context, payload json.RawMessage) (Response, error) {
	var req pingRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return OK(map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"echo":      req.Echo,
	}), nil
}

func (h *Handlers) handleStoreMemory(ctx context.Context, payload json.RawMessage) (Response, error) {
	var req storeMemoryRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	storeReq := &memory.StoreRequest{
		Content:        req.Content,
		Scope:          req.Scope,
		Tags:           req.Tags,
		ConversationID: req.ConversationID,
		Speaker:        req.Speaker,
	}
	if req.Timestamp != nil {
		storeReq.Timestamp = *req.Timestamp
	}
	m, err := h.svc.StoreMemory(ctx, storeReq)
	if err != nil {
		return nil, err
	}
	return OK(map[string]any{"memory_id": m.ID, "scope": m.Scope}), nil
}

func (h *Handlers) handleRetrieveMemory(ctx context.Context, payload json.RawMessage) (Response, error) {
	var req retrieveMemoryRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	retrieveReq := &memory.RetrieveRequest{
		Query:     req.Query,
		Scope:     req.Scope,
		Tags:      req.Tags,
		Limit:     req.Limit,
		Threshold: req.Threshold,
	}
	if req.TimeRange != nil {
		retrieveReq.TimeRange = &types.TimeRange{From: req.TimeRange.From, To: req.TimeRange.To}
	}
	results, err := h.svc.RetrieveMemory(ctx, retrieveReq)
	if err != nil {
		return nil, err
	}
	return OK(map[string]any{"results": toResultPayloads(results), "count": len(results)}), nil
}

func (h *Handlers) handleSearchByTag(ctx context.Context, payload json.RawMessage) (Response, error) {
	var req searchByTagRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	results, err := h.svc.SearchByTag(ctx, req.Tag, req.Scope, req.Limit)
	if err != nil {
		return nil, err
	}
	return OK(map[string]any{"results": toResultPayloads(results), "count": len(results)}), nil
}

func (h *Handlers) handleSearchByScope(ctx context.Context, payload json.RawMessage) (Response, error) {
	var req searchByScopeRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	results, err := h.svc.SearchByScope(ctx, req.Scope, req.Limit)
	if err != nil {
		return nil, err
	}
	return OK(map[string]any{"results": toResultPayloads(results), "count": len(results)}), nil
}

func (h *Handlers) handleDeleteMemory(ctx context.Context, payload json.RawMessage) (Response, error) {
	var req deleteMemoryRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	var target *memory.DeleteTarget
	if req.Target != nil {
		target = &memory.DeleteTarget{
			MemoryID: req.Target.MemoryID,
			Scope:    req.Target.Scope,
			Tag:      req.Target.Tag,
			Query:    req.Target.Query,
		}
	}
	deleted, err := h.svc.DeleteMemory(ctx, target, req.ForgetMode)
	if err != nil {
		return nil, err
	}
	return OK(map[string]any{"deleted_count": deleted}), nil
}

func (h *Handlers) handleUpdateMemory(ctx context.Context, payload json.RawMessage) (Response, error) {
	var req updateMemoryRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	m, err := h.svc.UpdateMemory(ctx, &memory.UpdateRequest{
		MemoryID:  req.MemoryID,
		Text:      req.Text,
		Scope:     req.Scope,
		Tags:      req.Tags,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	return OK(map[string]any{"memory_id": m.ID, "scope": m.Scope}), nil
}

func (h *Handlers) handleGetMemoryStats(ctx context.Context, _ json.RawMessage) (Response, error) {
	stats, err := h.svc.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return OK(map[string]any{"stats": stats}), nil
}

func (h *Handlers) handleStoreConversationHistory(ctx context.Context, payload json.RawMessage) (Response, error) {
	var req storeConversationHistoryRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	scope := ""
	if req.Metadata != nil {
		scope = req.Metadata.Scope
	}
	incoming := make([]memory.IncomingMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		in := memory.IncomingMessage{Speaker: msg.Speaker, Text: msg.Text, Tags: msg.Tags}
		if msg.Timestamp != nil {
			in.Timestamp = *msg.Timestamp
		}
		incoming = append(incoming, in)
	}
	conversationID, ids, err := h.svc.StoreConversationHistory(ctx, incoming, req.ConversationID, scope)
	if err != nil {
		return nil, err
	}
	return OK(map[string]any{"conversation_id": conversationID, "memory_ids": ids}), nil
}

func (h *Handlers) handleGetConversationHistory(ctx context.Context, payload json.RawMessage) (Response, error) {
	var req getConversationHistoryRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	messages, err := h.svc.ConversationHistory(ctx, req.ConversationID, req.Limit)
	if err != nil {
		return nil, err
	}
	return OK(map[string]any{"messages": messages, "count": len(messages)}), nil
}

func (h *Handlers) handleGetConversationsList(ctx context.Context, payload json.RawMessage) (Response, error) {
	var req getConversationsListRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	conversations, err := h.svc.ListConversations(ctx, req.Limit, req.Scope, req.IncludeMessages)
	if err != nil {
		return nil, err
	}
	return OK(map[string]any{"conversations": conversations, "count": len(conversations)}), nil
}

func (h *Handlers) handleCreateConversationSummary(ctx context.Context, payload json.RawMessage) (Response, error) {
	var req createConversationSummaryRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	summary, generated, err := h.svc.CreateSummary(ctx, &memory.SummaryRequest{
		ConversationID: req.ConversationID,
		SummaryText:    req.SummaryText,
		Generate:       req.GenerateSummary,
		Tags:           req.Tags,
	})
	if err != nil {
		return nil, err
	}
	return OK(map[string]any{
		"summary_id":   summary.ID,
		"summary_text": summary.SummaryText,
		"generated":    generated,
	}), nil
}

func (h *Handlers) handleGetConversationSummaries(ctx context.Context, payload json.RawMessage) (Response, error) {
	var req getConversationSummariesRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	summaries, err := h.svc.ConversationSummaries(ctx, req.ConversationID, req.Scope, req.Limit)
	if err != nil {
		return nil, err
	}
	return OK(map[string]any{"summaries": summaries, "count": len(summaries)}), nil
}

func (h *Handlers) handleUpdateUserProfile(ctx context.Context, payload json.RawMessage) (Response, error) {
	var req updateUserProfileRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	item, err := h.svc.SetProfileItem(ctx, req.UserID, req.Key, req.Value, req.Category)
	if err != nil {
		return nil, err
	}
	return OK(map[string]any{"item_id": item.ID, "key": item.Key, "category": item.Category}), nil
}

func (h *Handlers) handleGetUserProfile(ctx context.Context, payload json.RawMessage) (Response, error) {
	var req getUserProfileRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	items, err := h.svc.Profile(ctx, req.UserID, req.Category)
	if err != nil {
		return nil, err
	}
	return OK(map[string]any{"profile": items, "count": len(items)}), nil
}

// handleHealthCheck always succeeds, reporting component-level degradation
// in the payload.
func (h *Handlers) handleHealthCheck(ctx context.Context, _ json.RawMessage) (Response, error) {
	components := map[string]any{}

	storeStatus := HealthOK
	if err := h.svc.Repository().Store().HealthCheck(ctx); err != nil {
		storeStatus = HealthDegraded
		components["store_error"] = err.Error()
	}
	components["store"] = storeStatus
	components["embedding_cache"] = h.embedder.CacheStats()
	components["pending_index_jobs"] = h.svc.Repository().PendingCount()
	if h.server != nil {
		components["dispatcher"] = h.server.Health()
	}

	return OK(map[string]any{"health": components}), nil
}

// handleOptimizeMemory runs the maintenance pass: orphaned index purge,
// retention enforcement, and a snapshot backup when one is configured.
// Old-conversation summarization has no scheduler and is reported skipped.
func (h *Handlers) handleOptimizeMemory(ctx context.Context, _ json.RawMessage) (Response, error) {
	operations := map[string]any{}

	purged, err := h.svc.Repository().PurgeOrphanedIndexEntries(ctx)
	if err != nil {
		return nil, err
	}
	operations["orphaned_index_purged"] = purged

	retained, err := h.svc.EnforceRetention(ctx)
	if err != nil {
		return nil, err
	}
	operations["retention_deleted"] = retained

	operations["summarize_old"] = "skipped"

	if h.backup != nil {
		path, err := h.backup.CreateBackup(ctx)
		if err != nil {
			// Maintenance should not fail the whole pass on backup trouble.
			h.logger.Warn("backup failed during optimize", "error", err)
			operations["backup"] = "failed"
		} else {
			operations["backup"] = path
			if removed, err := h.backup.CleanupOldBackups(); err == nil {
				operations["backups_pruned"] = removed
			}
		}
	} else {
		operations["backup"] = "disabled"
	}

	return OK(map[string]any{"operations": operations}), nil
}
