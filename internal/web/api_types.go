package web

import (
	"time"

	"github.com/klioai/klio/internal/chat"
	"github.com/klioai/klio/internal/db"
	"github.com/klioai/klio/internal/failure"
	"github.com/klioai/klio/internal/memory"
	"github.com/klioai/klio/internal/quota"
)

// APIConversation is the JSON form of a conversation.
type APIConversation struct {
	ID           int64      `json:"id"`
	ChildID      int64      `json:"child_id"`
	Status       string     `json:"status"`
	MessageCount int        `json:"message_count"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	LastActivity time.Time  `json:"last_activity"`
}

func toAPIConversation(c *db.Conversation) *APIConversation {
	if c == nil {
		return nil
	}
	return &APIConversation{
		ID:           c.ID,
		ChildID:      c.ChildID,
		Status:       c.Status,
		MessageCount: c.MessageCount,
		StartTime:    c.StartTime,
		EndTime:      c.EndTime,
		LastActivity: c.LastActivity,
	}
}

// APISummary is the JSON form of a freshly written summary.
type APISummary struct {
	ID             int64     `json:"id"`
	ConversationID *int64    `json:"conversation_id,omitempty"`
	Kind           string    `json:"kind"`
	Summary        string    `json:"summary"`
	CreatedAt      time.Time `json:"created_at"`
}

func toAPISummary(s *db.Summary) *APISummary {
	if s == nil {
		return nil
	}
	return &APISummary{
		ID:             s.ID,
		ConversationID: s.ConversationID,
		Kind:           s.Kind,
		Summary:        s.Text,
		CreatedAt:      s.CreatedAt,
	}
}

// APIConversationResponse answers start, active and end.
type APIConversationResponse struct {
	Success      bool             `json:"success"`
	Conversation *APIConversation `json:"conversation"`
	Summary      *APISummary      `json:"summary,omitempty"`
}

// APISendMessageRequest is the body of the message endpoints.
type APISendMessageRequest struct {
	Message string `json:"message"`
}

// APIReplyResponse answers a sent message.
type APIReplyResponse struct {
	Success bool `json:"success"`
	*chat.Reply
}

// APISummariesResponse lists parent-facing summaries.
type APISummariesResponse struct {
	Success   bool               `json:"success"`
	Summaries []chat.SummaryView `json:"summaries"`
}

// APIQuotaResponse carries a usage snapshot.
type APIQuotaResponse struct {
	Success bool           `json:"success"`
	Quota   quota.Snapshot `json:"quota"`
}

// APIErrorResponse is the body of every failed request.
type APIErrorResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Kind    string         `json:"kind,omitempty"`
	Quota   *failure.Quota `json:"quota,omitempty"`
}

// APIMemoryResponse carries a child's knowledge graph.
type APIMemoryResponse struct {
	Success bool `json:"success"`
	memory.Graph
}

// APIPatternsResponse carries derived learning patterns.
type APIPatternsResponse struct {
	Success bool `json:"success"`
	memory.Patterns
}
