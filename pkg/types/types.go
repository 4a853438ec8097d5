// Package types contains the core data model for the memory engine:
// the five persisted collections and the result shapes returned to clients.
package types

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Speaker identifies who produced a conversation message.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Valid checks if the speaker is a recognized value
func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerAssistant
}

// Source collections for vector index entries
const (
	SourceConversationHistory = "conversation_history"
	SourceSummaries           = "summaries"
)

// DefaultScope is the scope used when a request does not name one.
const DefaultScope = "Global"

// ConversationMemory represents one utterance stored in conversation_history.
type ConversationMemory struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Speaker        Speaker   `json:"speaker"`
	Text           string    `json:"text"`
	Scope          string    `json:"scope"`
	Tags           []string  `json:"tags"`
	Timestamp      time.Time `json:"timestamp"`
}

// Validate checks required fields before storage
func (m *ConversationMemory) Validate() error {
	if m.ID == "" {
		return errors.New("memory ID is required")
	}
	if !m.Speaker.Valid() {
		return errors.New("speaker must be 'user' or 'assistant'")
	}
	if m.Scope == "" {
		return errors.New("scope is required")
	}
	return nil
}

// TimeRange is the interval of wall time covered by a summary or query.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the range (inclusive).
func (r *TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

// SummaryMemory is a derived memory over a range of conversation messages.
// Immutable after creation except via delete.
type SummaryMemory struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	TopicID        string     `json:"topic_id,omitempty"`
	SummaryText    string     `json:"summary_text"`
	Scope          string     `json:"scope"`
	Tags           []string   `json:"tags"`
	Timestamp      time.Time  `json:"timestamp"`
	TimeRange      *TimeRange `json:"time_range,omitempty"`
	MessageRefs    []string   `json:"message_refs"`
}

// MemoryIndexItem is a secondary index row for semantic search. Its lifecycle
// is slaved to the source document: written asynchronously after the source,
// purged when the source is deleted.
type MemoryIndexItem struct {
	ID               string         `json:"id"`
	Embedding        []float64      `json:"embedding"`
	SourceCollection string         `json:"source_collection"`
	SourceID         string         `json:"source_id"`
	Scope            string         `json:"scope"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// MemoryScope is a named namespace grouping related memories.
// Scopes are soft-deactivated rather than destroyed.
type MemoryScope struct {
	ID              string    `json:"id"`
	ScopeName       string    `json:"scope_name"`
	Description     string    `json:"description"`
	CreatedAt       time.Time `json:"created_at"`
	Active          bool      `json:"active"`
	RelatedKeywords []string  `json:"related_keywords,omitempty"`
	ParentScope     string    `json:"parent_scope,omitempty"`
}

// UserProfileItem is a categorized key/value fact about the user.
type UserProfileItem struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
}

// Profile item categories
const (
	CategoryFacts       = "facts"
	CategoryPreferences = "preferences"
	CategoryContacts    = "contacts"
)

// SearchResult pairs a memory with its retrieval score.
type SearchResult struct {
	Memory ConversationMemory `json:"memory"`
	Score  float64            `json:"score"`
}

// ConversationInfo is a per-conversation aggregate used by list operations.
type ConversationInfo struct {
	ConversationID  string               `json:"conversation_id"`
	Scope           string               `json:"scope"`
	MessageCount    int                  `json:"message_count"`
	FirstTimestamp  time.Time            `json:"first_timestamp"`
	LastTimestamp   time.Time            `json:"last_timestamp"`
	FirstMessage    string               `json:"first_message"`
	PreviewMessages []ConversationMemory `json:"preview_messages,omitempty"`
}

// TagCount is a tag with its occurrence count, used by statistics.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int64  `json:"count"`
}

// MemoryStats aggregates collection-level statistics.
type MemoryStats struct {
	TotalMemories     int64            `json:"total_memories"`
	ConversationCount int64            `json:"conversation_count"`
	IndexedCount      int64            `json:"indexed_count"`
	SummaryCount      int64            `json:"summary_count"`
	Scopes            map[string]int64 `json:"scopes"`
	TopTags           []TagCount       `json:"top_tags,omitempty"`
	SizeBytes         int64            `json:"size_bytes"`
}

// NewID returns a new surrogate identifier.
func NewID() string {
	return uuid.New().String()
}

// NormalizeTags collapses duplicates and drops empty tags, preserving the
// first-seen order. Tags are set-valued on write.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// HasAllTags reports whether the memory carries every tag in want.
func (m *ConversationMemory) HasAllTags(want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(m.Tags))
	for _, t := range m.Tags {
		have[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// SortResults orders results by score descending, breaking ties by timestamp
// descending and then id ascending so that rankings are deterministic.
func SortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		ti, tj := results[i].Memory.Timestamp, results[j].Memory.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
}
