package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	memerr "infinite-mcp-memory/internal/errors"
	"infinite-mcp-memory/pkg/types"
)

const summaryExcerptLength = 100

// SummaryRequest carries a create_conversation_summary payload. When
// SummaryText is empty and Generate is set, the deterministic statistical
// fallback produces the text.
type SummaryRequest struct {
	ConversationID string
	SummaryText    string
	Generate       bool
	Tags           []string
}

// CreateSummary stores a summary over a conversation. The returned bool
// reports whether the text was generated by the fallback.
func (s *Service) CreateSummary(ctx context.Context, req *SummaryRequest) (*types.SummaryMemory, bool, error) {
	if req.ConversationID == "" {
		return nil, false, memerr.New(memerr.KindInvalidRequest, "conversation_id is required")
	}
	messages, err := s.repo.ConversationHistory(ctx, req.ConversationID, 0)
	if err != nil {
		return nil, false, err
	}
	if len(messages) == 0 {
		return nil, false, memerr.Newf(memerr.KindNotFound, "conversation %s not found", req.ConversationID)
	}

	text := req.SummaryText
	generated := false
	if text == "" {
		if !req.Generate {
			return nil, false, memerr.New(memerr.KindInvalidRequest, "summary_text is required when generate_summary is false")
		}
		text = statisticalSummary(messages)
		generated = true
	}

	summary := &types.SummaryMemory{
		ID:             types.NewID(),
		ConversationID: req.ConversationID,
		SummaryText:    text,
		Scope:          messages[0].Scope,
		Tags:           types.NormalizeTags(req.Tags),
		Timestamp:      time.Now().UTC(),
		TimeRange: &types.TimeRange{
			From: messages[0].Timestamp,
			To:   messages[len(messages)-1].Timestamp,
		},
		MessageRefs: messageIDs(messages),
	}
	if err := s.repo.StoreSummary(ctx, summary); err != nil {
		return nil, false, err
	}
	return summary, generated, nil
}

func messageIDs(messages []types.ConversationMemory) []string {
	ids := make([]string, len(messages))
	for i := range messages {
		ids[i] = messages[i].ID
	}
	return ids
}

// statisticalSummary builds a deterministic summary from conversation shape:
// per-speaker counts, wall duration, the opening user utterance and the
// closing assistant utterance. Same messages, same text.
func statisticalSummary(messages []types.ConversationMemory) string {
	var userCount, assistantCount int
	var firstUser, lastAssistant string
	for i := range messages {
		switch messages[i].Speaker {
		case types.SpeakerUser:
			userCount++
			if firstUser == "" {
				firstUser = messages[i].Text
			}
		case types.SpeakerAssistant:
			assistantCount++
			lastAssistant = messages[i].Text
		}
	}

	duration := messages[len(messages)-1].Timestamp.Sub(messages[0].Timestamp)
	minutes := int(duration.Minutes())

	var b strings.Builder
	fmt.Fprintf(&b, "Conversation with %d messages (%d from user, %d from assistant) spanning %d minutes.",
		len(messages), userCount, assistantCount, minutes)
	if firstUser != "" {
		fmt.Fprintf(&b, " Started with: %q.", excerpt(firstUser))
	}
	if lastAssistant != "" {
		fmt.Fprintf(&b, " Last response: %q.", excerpt(lastAssistant))
	}
	return b.String()
}

func excerpt(text string) string {
	runes := []rune(text)
	if len(runes) <= summaryExcerptLength {
		return text
	}
	return string(runes[:summaryExcerptLength]) + "..."
}
