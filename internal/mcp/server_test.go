package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"infinite-mcp-memory/internal/config"
	"infinite-mcp-memory/internal/embeddings"
	memerr "infinite-mcp-memory/internal/errors"
	"infinite-mcp-memory/internal/logging"
	"infinite-mcp-memory/internal/memory"
	"infinite-mcp-memory/internal/repository"
	"infinite-mcp-memory/internal/storage"
	"infinite-mcp-memory/pkg/types"
)

func fastServerConfig() *config.ServerConfig {
	return &config.ServerConfig{
		MaxRetryAttempts:         2,
		RetryDelaySeconds:        0.001,
		FailureThreshold:         3,
		ResetTimeoutSeconds:      60,
		SlowRequestThresholdSecs: 1,
	}
}

// newTestServer wires the full stack over the in-memory store with the
// deterministic embedding provider running synchronously.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logging.NewNoopLogger()
	store := storage.NewMemoryStore(types.DefaultScope)
	require.NoError(t, store.Initialize(context.Background()))
	embedder := embeddings.NewServiceWithProvider(
		embeddings.NewDeterministicProvider(64), 100, 1, 16, logger)
	repo := repository.New(store, embedder, logger)
	svc := memory.NewService(repo, config.MemoryConfig{
		DefaultScope:    types.DefaultScope,
		AutoCreateScope: true,
		RetentionDays:   180,
	}, logger)

	server := NewServer(fastServerConfig(), logger)
	NewHandlers(svc, embedder, nil, logger).RegisterAll(server)
	return server
}

func send(t *testing.T, server *Server, request string) Response {
	t.Helper()
	return server.HandleLine(context.Background(), []byte(request))
}

func sendJSON(t *testing.T, server *Server, request map[string]any) Response {
	t.Helper()
	data, err := json.Marshal(request)
	require.NoError(t, err)
	return server.HandleLine(context.Background(), data)
}

func results(t *testing.T, resp Response) []map[string]any {
	t.Helper()
	raw, ok := resp["results"].([]resultPayload)
	require.True(t, ok, "results missing or wrong type: %#v", resp["results"])
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		out = append(out, map[string]any{"memory_id": r.MemoryID, "text": r.Text, "score": r.Score})
	}
	return out
}

func TestPing(t *testing.T) {
	server := newTestServer(t)
	resp := send(t, server, `{"action":"ping","echo":"hello"}`)
	assert.Equal(t, StatusOK, resp["status"])
	assert.Equal(t, "hello", resp["echo"])
	assert.NotEmpty(t, resp["timestamp"])
}

func TestMalformedJSON(t *testing.T) {
	server := newTestServer(t)
	resp := send(t, server, `{this is not json`)
	assert.Equal(t, StatusError, resp["status"])
	assert.Equal(t, "Invalid JSON", resp["error"])
}

func TestMissingAction(t *testing.T) {
	server := newTestServer(t)
	resp := send(t, server, `{"content":"no action"}`)
	assert.Equal(t, StatusError, resp["status"])
	assert.Contains(t, resp["error"], "action is required")
}

func TestUnknownAction(t *testing.T) {
	server := newTestServer(t)
	resp := send(t, server, `{"action":"levitate"}`)
	assert.Equal(t, StatusError, resp["status"])
	assert.Contains(t, resp["error"], "Unknown action: levitate")
}

func TestStoreAndRetrieveMemory(t *testing.T) {
	server := newTestServer(t)

	stored := sendJSON(t, server, map[string]any{
		"action":  "store_memory",
		"content": "The deadline for Project Alpha is May 15th",
		"scope":   "Work",
		"tags":    []string{"deadline"},
	})
	require.Equal(t, StatusOK, stored["status"])
	assert.NotEmpty(t, stored["memory_id"])
	assert.Equal(t, "Work", stored["scope"])

	retrieved := sendJSON(t, server, map[string]any{
		"action": "retrieve_memory",
		"query":  "deadline for Project Alpha",
		"scope":  "Work",
	})
	require.Equal(t, StatusOK, retrieved["status"])
	hits := results(t, retrieved)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0]["text"], "May 15th")
}

func TestScopeIsolation(t *testing.T) {
	server := newTestServer(t)

	sendJSON(t, server, map[string]any{
		"action": "store_memory", "content": "The deadline for Project Alpha is May 15th", "scope": "Work",
	})
	sendJSON(t, server, map[string]any{
		"action": "store_memory", "content": "Alice's birthday is Friday", "scope": "Personal",
	})

	resp := sendJSON(t, server, map[string]any{
		"action": "retrieve_memory", "query": "Project Alpha", "scope": "Personal",
	})
	require.Equal(t, StatusOK, resp["status"])
	assert.Empty(t, results(t, resp))
}

func TestCircuitBreakerScenario(t *testing.T) {
	server := newTestServer(t)
	server.Register("always_fails", func(context.Context, json.RawMessage) (Response, error) {
		return nil, memerr.New(memerr.KindStoreError, "backend exploded")
	})

	var resp Response
	for i := 0; i < 3; i++ {
		resp = send(t, server, `{"action":"always_fails"}`)
		require.Equal(t, StatusError, resp["status"])
	}
	// The final failing response reports the exhausted retries.
	assert.Contains(t, resp["error"], "failed after")

	// Fourth request hits the open circuit.
	resp = send(t, server, `{"action":"always_fails"}`)
	assert.Contains(t, resp["error"], "temporarily unavailable")
	retryAfter, ok := resp["retry_after"].(float64)
	require.True(t, ok)
	assert.InDelta(t, 60, retryAfter, 1.0)

	// Other actions are unaffected.
	ping := send(t, server, `{"action":"ping"}`)
	assert.Equal(t, StatusOK, ping["status"])
}

func TestCircuitBreakerProbeClosesAfterTimeout(t *testing.T) {
	b := NewCircuitBreaker(3, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		b.RecordFailure("op")
	}
	require.True(t, b.IsOpen("op"))

	allowed, retryAfter := b.Allow("op")
	assert.False(t, allowed)
	assert.Equal(t, time.Minute, retryAfter)

	now = now.Add(61 * time.Second)
	allowed, _ = b.Allow("op")
	assert.True(t, allowed)
	assert.False(t, b.IsOpen("op"))

	// The clean slate tolerates threshold-1 new failures before reopening.
	b.RecordFailure("op")
	assert.False(t, b.IsOpen("op"))
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	b := NewCircuitBreaker(3, time.Minute)
	b.RecordFailure("op")
	b.RecordFailure("op")
	b.RecordSuccess("op")
	b.RecordFailure("op")
	b.RecordFailure("op")
	assert.False(t, b.IsOpen("op"))
	b.RecordFailure("op")
	assert.True(t, b.IsOpen("op"))
}

func TestValidationErrorsAreNotRetried(t *testing.T) {
	server := newTestServer(t)
	calls := 0
	server.Register("validate_once", func(context.Context, json.RawMessage) (Response, error) {
		calls++
		return nil, memerr.New(memerr.KindInvalidRequest, "bad field")
	})

	resp := send(t, server, `{"action":"validate_once"}`)
	assert.Equal(t, StatusError, resp["status"])
	assert.Equal(t, 1, calls)
	assert.NotContains(t, resp["error"], "failed after")
	assert.Contains(t, resp["error"], "bad field")
}

func TestConversationRoundTripScenario(t *testing.T) {
	server := newTestServer(t)

	stored := sendJSON(t, server, map[string]any{
		"action": "store_conversation_history",
		"messages": []map[string]any{
			{"speaker": "user", "text": "Hi"},
			{"speaker": "assistant", "text": "Hello"},
		},
		"metadata": map[string]any{"scope": "Test"},
	})
	require.Equal(t, StatusOK, stored["status"])
	conversationID, ok := stored["conversation_id"].(string)
	require.True(t, ok)
	ids, ok := stored["memory_ids"].([]string)
	require.True(t, ok)
	require.Len(t, ids, 2)

	history := sendJSON(t, server, map[string]any{
		"action":          "get_conversation_history",
		"conversation_id": conversationID,
	})
	require.Equal(t, StatusOK, history["status"])
	messages, ok := history["messages"].([]types.ConversationMemory)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, types.SpeakerUser, messages[0].Speaker)
	assert.Equal(t, types.SpeakerAssistant, messages[1].Speaker)
}

func TestDeleteCascadeScenario(t *testing.T) {
	server := newTestServer(t)

	stored := sendJSON(t, server, map[string]any{
		"action": "store_memory", "content": "ephemeral secret plan",
	})
	require.Equal(t, StatusOK, stored["status"])
	memoryID := stored["memory_id"].(string)

	deleted := sendJSON(t, server, map[string]any{
		"action": "delete_memory",
		"target": map[string]any{"memory_id": memoryID},
	})
	require.Equal(t, StatusOK, deleted["status"])
	assert.Equal(t, int64(1), deleted["deleted_count"])

	resp := sendJSON(t, server, map[string]any{
		"action": "retrieve_memory", "query": "ephemeral secret plan",
	})
	for _, hit := range results(t, resp) {
		assert.NotEqual(t, memoryID, hit["memory_id"])
	}

	// Idempotent second delete.
	deleted = sendJSON(t, server, map[string]any{
		"action": "delete_memory",
		"target": map[string]any{"memory_id": memoryID},
	})
	require.Equal(t, StatusOK, deleted["status"])
	assert.Equal(t, int64(0), deleted["deleted_count"])
}

func TestDeleteWithoutCriterion(t *testing.T) {
	server := newTestServer(t)
	resp := send(t, server, `{"action":"delete_memory","target":{}}`)
	assert.Equal(t, StatusError, resp["status"])
}

func TestSearchByTagAndScope(t *testing.T) {
	server := newTestServer(t)

	sendJSON(t, server, map[string]any{
		"action": "store_memory", "content": "tagged note", "tags": []string{"urgent"}, "scope": "Work",
	})
	sendJSON(t, server, map[string]any{
		"action": "store_memory", "content": "plain note", "scope": "Work",
	})

	byTag := sendJSON(t, server, map[string]any{"action": "search_by_tag", "tag": "urgent"})
	require.Equal(t, StatusOK, byTag["status"])
	assert.Len(t, results(t, byTag), 1)

	byScope := sendJSON(t, server, map[string]any{"action": "search_by_scope", "scope": "Work"})
	require.Equal(t, StatusOK, byScope["status"])
	assert.Len(t, results(t, byScope), 2)
}

func TestSummaryActions(t *testing.T) {
	server := newTestServer(t)

	stored := sendJSON(t, server, map[string]any{
		"action": "store_conversation_history",
		"messages": []map[string]any{
			{"speaker": "user", "text": "What is the plan?"},
			{"speaker": "assistant", "text": "Ship on Friday."},
		},
	})
	require.Equal(t, StatusOK, stored["status"])
	conversationID := stored["conversation_id"].(string)

	created := sendJSON(t, server, map[string]any{
		"action":           "create_conversation_summary",
		"conversation_id":  conversationID,
		"generate_summary": true,
	})
	require.Equal(t, StatusOK, created["status"])
	assert.Equal(t, true, created["generated"])
	assert.Contains(t, created["summary_text"], "2 messages")

	listed := sendJSON(t, server, map[string]any{
		"action":          "get_conversation_summaries",
		"conversation_id": conversationID,
	})
	require.Equal(t, StatusOK, listed["status"])
	assert.Equal(t, 1, listed["count"])
}

func TestStatsAndHealth(t *testing.T) {
	server := newTestServer(t)

	sendJSON(t, server, map[string]any{"action": "store_memory", "content": "counted"})

	stats := send(t, server, `{"action":"get_memory_stats"}`)
	require.Equal(t, StatusOK, stats["status"])
	payload, ok := stats["stats"].(*types.MemoryStats)
	require.True(t, ok)
	assert.Equal(t, int64(1), payload.TotalMemories)

	health := send(t, server, `{"action":"health_check"}`)
	require.Equal(t, StatusOK, health["status"])
	components, ok := health["health"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, HealthOK, components["store"])

	counters := server.Health()
	assert.Equal(t, HealthOK, counters.Status)
	assert.Equal(t, int64(3), counters.RequestCount)
}

func TestUserProfileActions(t *testing.T) {
	server := newTestServer(t)

	set := sendJSON(t, server, map[string]any{
		"action": "update_user_profile", "key": "favorite_color", "value": "blue",
	})
	require.Equal(t, StatusOK, set["status"])

	got := send(t, server, `{"action":"get_user_profile"}`)
	require.Equal(t, StatusOK, got["status"])
	assert.Equal(t, 1, got["count"])
}

func TestOptimizeMemory(t *testing.T) {
	server := newTestServer(t)

	resp := send(t, server, `{"action":"optimize_memory"}`)
	require.Equal(t, StatusOK, resp["status"])
	operations, ok := resp["operations"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "skipped", operations["summarize_old"])
	assert.Equal(t, "disabled", operations["backup"])
}

func TestServeFramesLines(t *testing.T) {
	server := newTestServer(t)

	input := strings.Join([]string{
		`{"action":"ping"}`,
		``, // skipped
		`not json`,
		`{"action":"ping"}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, server.Serve(context.Background(), strings.NewReader(input), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)

	var first, second, third map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &third))
	assert.Equal(t, StatusOK, first["status"])
	assert.Equal(t, "Invalid JSON", second["error"])
	assert.Equal(t, StatusOK, third["status"])
}

func TestServeSurvivesOversizedLine(t *testing.T) {
	server := newTestServer(t)

	huge := `{"action":"store_memory","content":"` + strings.Repeat("a", maxLineBytes) + `"}`
	input := huge + "\n" + `{"action":"ping"}` + "\n"

	var out bytes.Buffer
	require.NoError(t, server.Serve(context.Background(), strings.NewReader(input), &out))

	// The oversized frame draws an error response; the session continues.
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, StatusError, first["status"])
	assert.Contains(t, first["error"], "too long")
	assert.Equal(t, StatusOK, second["status"])
}

func TestUpdateMemoryAction(t *testing.T) {
	server := newTestServer(t)

	stored := sendJSON(t, server, map[string]any{"action": "store_memory", "content": "draft"})
	memoryID := stored["memory_id"].(string)

	updated := sendJSON(t, server, map[string]any{
		"action": "update_memory", "memory_id": memoryID, "text": "final",
	})
	require.Equal(t, StatusOK, updated["status"])

	resp := sendJSON(t, server, map[string]any{"action": "retrieve_memory", "query": "final"})
	hits := results(t, resp)
	require.Len(t, hits, 1)
	assert.Equal(t, memoryID, hits[0]["memory_id"])
}

func TestConversationsList(t *testing.T) {
	server := newTestServer(t)

	for i := 0; i < 2; i++ {
		sendJSON(t, server, map[string]any{
			"action": "store_conversation_history",
			"messages": []map[string]any{
				{"speaker": "user", "text": fmt.Sprintf("conversation %d", i)},
			},
		})
	}

	listed := send(t, server, `{"action":"get_conversations_list"}`)
	require.Equal(t, StatusOK, listed["status"])
	assert.Equal(t, 2, listed["count"])
}
