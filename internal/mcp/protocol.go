// Package mcp implements the newline-framed JSON command protocol: one
// request object per stdin line, one response object per stdout line. The
// dispatcher wraps handlers with retries, per-action circuit breaking and
// health accounting.
package mcp

import (
	"encoding/json"
	"time"

	"infinite-mcp-memory/pkg/types"
)

// StatusOK and StatusError are the stable envelope values.
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// Response is the wire envelope. Fields beyond Status are action-specific.
type Response map[string]any

// OK builds a success response with the given extra fields.
func OK(fields map[string]any) Response {
	resp := Response{"status": StatusOK}
	for k, v := range fields {
		resp[k] = v
	}
	return resp
}

// Error builds an error response. Extra fields (retry_after) are merged in.
func Error(message string, fields map[string]any) Response {
	resp := Response{"status": StatusError, "error": message}
	for k, v := range fields {
		resp[k] = v
	}
	return resp
}

// Encode renders a response as a single line of JSON.
func (r Response) Encode() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		// A response we built ourselves cannot fail to encode; guard anyway.
		return []byte(`{"status":"ERROR","error":"response encoding failed"}`)
	}
	return data
}

// requestProbe extracts the action before per-action decoding.
type requestProbe struct {
	Action string `json:"action"`
}

// Per-action request payloads.

type pingRequest struct {
	Echo string `json:"echo,omitempty"`
}

type storeMemoryRequest struct {
	Content        string        `json:"content"`
	Scope          string        `json:"scope,omitempty"`
	Tags           []string      `json:"tags,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Speaker        types.Speaker `json:"speaker,omitempty"`
	Timestamp      *time.Time    `json:"timestamp,omitempty"`
}

type timeRangePayload struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type retrieveMemoryRequest struct {
	Query     string            `json:"query"`
	Scope     string            `json:"scope,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	TimeRange *timeRangePayload `json:"time_range,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	Threshold float64           `json:"threshold,omitempty"`
}

type searchByTagRequest struct {
	Tag   string `json:"tag"`
	Scope string `json:"scope,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type searchByScopeRequest struct {
	Scope string `json:"scope"`
	Limit int    `json:"limit,omitempty"`
}

type deleteTargetPayload struct {
	MemoryID string `json:"memory_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Query    string `json:"query,omitempty"`
}

type deleteMemoryRequest struct {
	Target     *deleteTargetPayload `json:"target"`
	ForgetMode string               `json:"forget_mode,omitempty"`
}

type updateMemoryRequest struct {
	MemoryID  string     `json:"memory_id"`
	Text      *string    `json:"text,omitempty"`
	Scope     *string    `json:"scope,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type incomingMessagePayload struct {
	Speaker   types.Speaker `json:"speaker"`
	Text      string        `json:"text"`
	Tags      []string      `json:"tags,omitempty"`
	Timestamp *time.Time    `json:"timestamp,omitempty"`
}

type batchMetadataPayload struct {
	Scope string `json:"scope,omitempty"`
}

type storeConversationHistoryRequest struct {
	Messages       []incomingMessagePayload `json:"messages"`
	ConversationID string                   `json:"conversation_id,omitempty"`
	Metadata       *batchMetadataPayload    `json:"metadata,omitempty"`
}

type getConversationHistoryRequest struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
}

type getConversationsListRequest struct {
	Limit           int    `json:"limit,omitempty"`
	Scope           string `json:"scope,omitempty"`
	IncludeMessages bool   `json:"include_messages,omitempty"`
}

type createConversationSummaryRequest struct {
	ConversationID  string   `json:"conversation_id"`
	SummaryText     string   `json:"summary_text,omitempty"`
	GenerateSummary bool     `json:"generate_summary,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

type getConversationSummariesRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Scope          string `json:"scope,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type updateUserProfileRequest struct {
	UserID   string `json:"user_id,omitempty"`
	Key      string `json:"key"`
	Value    string `json:"value"`
	Category string `json:"category,omitempty"`
}

type getUserProfileRequest struct {
	UserID   string `json:"user_id,omitempty"`
	Category string `json:"category,omitempty"`
}

// resultPayload shapes one search hit on the wire.
type resultPayload struct {
	MemoryID       string    `json:"memory_id"`
	ConversationID string    `json:"conversation_id"`
	Speaker        string    `json:"speaker"`
	Text           string    `json:"text"`
	Scope          string    `json:"scope"`
	Tags           []string  `json:"tags"`
	Timestamp      time.Time `json:"timestamp"`
	Score          float64   `json:"score"`
}

func toResultPayloads(results []types.SearchResult) []resultPayload {
	out := make([]resultPayload, 0, len(results))
	for _, res := range results {
		out = append(out, resultPayload{
			MemoryID:       res.Memory.ID,
			ConversationID: res.Memory.ConversationID,
			Speaker:        string(res.Memory.Speaker),
			Text:           res.Memory.Text,
			Scope:          res.Memory.Scope,
			Tags:           res.Memory.Tags,
			Timestamp:      res.Memory.Timestamp,
			Score:          res.Score,
		})
	}
	return out
}
