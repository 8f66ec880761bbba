// Package chat is the application service behind the HTTP and MCP
// surfaces: conversations, live replies, summaries, memory and quota.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/klioai/klio/internal/conversation"
	"github.com/klioai/klio/internal/db"
	"github.com/klioai/klio/internal/failure"
	"github.com/klioai/klio/internal/filter"
	"github.com/klioai/klio/internal/llm"
	"github.com/klioai/klio/internal/memory"
	"github.com/klioai/klio/internal/quota"
	"github.com/klioai/klio/internal/summary"
)

// Config tunes reply generation. Zero values take the defaults below.
type Config struct {
	ChatModel       string
	SuggestionModel string
	HistoryWindow   int
	MaxTokens       int
	Temperature     float64
	Timeout         time.Duration
	Logger          *slog.Logger
}

const (
	DefaultHistoryWindow = 20
	DefaultMaxTokens     = 550
	DefaultTemperature   = 0.7
	DefaultTimeout       = 60 * time.Second
	DefaultSummaryLimit  = 10
)

// Deps are the components the service coordinates.
type Deps struct {
	DB       *db.DB
	Quota    *quota.Guard
	Store    *conversation.Store
	Recorder *conversation.Recorder
	Memory   *memory.Consolidator
	LLM      llm.Completer
	Filter   filter.ContentFilter
}

// Service implements the exposed operations.
type Service struct {
	d      Deps
	cfg    Config
	logger *slog.Logger
}

// New creates a Service. A nil Filter passes replies through unchanged.
func New(d Deps, cfg Config) *Service {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if d.Filter == nil {
		d.Filter = filter.Passthrough{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{d: d, cfg: cfg, logger: logger}
}

// StartConversation ends the child's active conversation, summarising it,
// and opens a new one. A failed summary leaves the old conversation ended
// for the sweeper to finish.
func (s *Service) StartConversation(ctx context.Context, childID int64) (*db.Conversation, error) {
	active, err := s.d.Store.GetActive(ctx, childID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if _, err := s.d.Store.End(ctx, active.ID); err != nil {
			s.logger.Warn("could not summarize previous conversation", "conversation_id", active.ID, "error", err)
		}
	}
	return s.d.Store.Start(ctx, childID)
}

// ActiveConversation returns the child's active conversation, or nil.
func (s *Service) ActiveConversation(ctx context.Context, childID int64) (*db.Conversation, error) {
	return s.d.Store.GetActive(ctx, childID)
}

// EndConversation ends one of the child's conversations.
func (s *Service) EndConversation(ctx context.Context, childID, conversationID int64) (*conversation.EndResult, error) {
	if _, err := s.owned(ctx, childID, conversationID); err != nil {
		return nil, err
	}
	return s.d.Store.End(ctx, conversationID)
}

// Conversation returns one of the child's conversations.
func (s *Service) Conversation(ctx context.Context, childID, conversationID int64) (*db.Conversation, error) {
	return s.owned(ctx, childID, conversationID)
}

func (s *Service) owned(ctx context.Context, childID, conversationID int64) (*db.Conversation, error) {
	conv, err := s.d.DB.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, failure.Storage(err, "load conversation")
	}
	if conv == nil || conv.ChildID != childID {
		return nil, failure.NotFound("conversation %d not found", conversationID)
	}
	return conv, nil
}

// Reply is the outcome of SendMessage.
type Reply struct {
	ConversationID int64          `json:"conversation_id"`
	Message        string         `json:"message"`
	Suggestions    []string       `json:"suggestions"`
	Quota          quota.Snapshot `json:"quota"`
	Interim        bool           `json:"interim_summary,omitempty"`
}

// SendMessage checks the quota, generates a reply, filters it and records
// the exchange. When onChunk is non-nil the reply is streamed through it,
// filtered sentence by sentence.
func (s *Service) SendMessage(ctx context.Context, childID, conversationID int64, text string, onChunk func(string) error) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, failure.Validation("message text is required")
	}

	conv, err := s.owned(ctx, childID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != db.StatusActive {
		return nil, failure.Conflict("conversation %d is %s", conversationID, conv.Status)
	}

	if _, err := s.d.Quota.Check(ctx, childID); err != nil {
		if q := failure.QuotaOf(err); q != nil && !q.Allowed {
			// out of messages: the conversation is over
			if _, endErr := s.d.Store.End(ctx, conversationID); endErr != nil {
				s.logger.Warn("end conversation at limit", "conversation_id", conversationID, "error", endErr)
			}
		}
		return nil, err
	}

	child, err := s.d.DB.GetChild(ctx, childID)
	if err != nil || child == nil {
		return nil, failure.Storage(err, "load child")
	}
	cs, err := s.d.DB.GetChildSettings(ctx, childID)
	if err != nil {
		return nil, failure.Storage(err, "load child settings")
	}
	settings := filter.SettingsFor(cs)

	history, err := s.d.Recorder.History(ctx, conversationID, s.cfg.HistoryWindow)
	if err != nil {
		return nil, err
	}
	req := llm.Request{
		Model:       s.cfg.ChatModel,
		System:      systemPrompt(child.Name, child.Age, s.d.Memory.Graph(ctx, childID), settings),
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}
	for _, m := range history {
		req.Messages = append(req.Messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: text})

	reply, err := s.generate(ctx, req, settings, onChunk)
	if err != nil {
		return nil, err
	}

	res, err := s.d.Recorder.RecordExchange(ctx, childID, conversationID, text, reply)
	if err != nil {
		return nil, err
	}

	snap, err := s.d.Quota.CanSendMessage(ctx, childID)
	if err != nil {
		return nil, err
	}
	return &Reply{
		ConversationID: conversationID,
		Message:        reply,
		Suggestions:    s.suggestions(ctx, reply),
		Quota:          snap,
		Interim:        res.Interim != nil,
	}, nil
}

func (s *Service) generate(ctx context.Context, req llm.Request, settings filter.Settings, onChunk func(string) error) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	apply := func(t string) string { return s.d.Filter.Filter(ctx, t, settings) }

	var reply string
	if onChunk == nil {
		text, err := s.d.LLM.Complete(ctx, req)
		if err != nil {
			return "", failure.Upstream(err, "generate reply")
		}
		reply = apply(text)
	} else {
		sf := &sentenceFilter{apply: apply, emit: onChunk}
		if _, err := s.d.LLM.CompleteStream(ctx, req, sf.write); err != nil {
			return "", failure.Upstream(err, "generate reply")
		}
		if err := sf.flush(); err != nil {
			return "", failure.Upstream(err, "stream reply")
		}
		reply = sf.out.String()
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", failure.Upstream(nil, "empty reply")
	}
	return reply, nil
}

// SummaryView is a stored summary prepared for parents.
type SummaryView struct {
	ID             int64      `json:"id"`
	ConversationID *int64     `json:"conversation_id,omitempty"`
	Kind           string     `json:"kind"`
	Summary        string     `json:"summary"`
	HTML           string     `json:"html"`
	CreatedAt      time.Time  `json:"created_at"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	Duration       string     `json:"duration,omitempty"`
	MessageCount   int        `json:"message_count"`
}

// Summaries lists the child's newest summaries. limit <= 0 means 10.
func (s *Service) Summaries(ctx context.Context, childID int64, limit int) ([]SummaryView, error) {
	if limit <= 0 {
		limit = DefaultSummaryLimit
	}
	list, err := s.d.DB.ListSummaries(ctx, childID, limit)
	if err != nil {
		return nil, failure.Storage(err, "list summaries")
	}
	out := make([]SummaryView, 0, len(list))
	for _, l := range list {
		v := SummaryView{
			ID:             l.ID,
			ConversationID: l.ConversationID,
			Kind:           l.Kind,
			Summary:        l.Text,
			CreatedAt:      l.CreatedAt,
			StartTime:      l.StartTime,
			EndTime:        l.EndTime,
			MessageCount:   l.MessageCount,
		}
		if l.StartTime != nil {
			end := time.Now()
			if l.EndTime != nil {
				end = *l.EndTime
			}
			v.Duration = FormatDuration(end.Sub(*l.StartTime))
		}
		if html, err := summary.HTML(l.Text); err != nil {
			s.logger.Warn("render summary", "summary_id", l.ID, "error", err)
		} else {
			v.HTML = html
		}
		out = append(out, v)
	}
	return out, nil
}

// FormatDuration renders a conversation length as "N minutes" or
// "H hours M minutes".
func FormatDuration(d time.Duration) string {
	minutes := int(d.Round(time.Minute) / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	if minutes < 60 {
		return plural(minutes, "minute")
	}
	return plural(minutes/60, "hour") + " " + plural(minutes%60, "minute")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// MemoryGraph returns the child's knowledge graph.
func (s *Service) MemoryGraph(ctx context.Context, childID int64) memory.Graph {
	return s.d.Memory.Graph(ctx, childID)
}

// DeleteMemoryTopic removes a topic from the child's graph.
func (s *Service) DeleteMemoryTopic(ctx context.Context, childID int64, topic string) error {
	return s.d.Memory.DeleteTopic(ctx, childID, topic)
}

// LearningPatterns reads strengths and growth areas off the graph.
func (s *Service) LearningPatterns(ctx context.Context, childID int64) memory.Patterns {
	return s.d.Memory.LearningPatterns(ctx, childID)
}

// Quota returns the child's usage snapshot.
func (s *Service) Quota(ctx context.Context, childID int64) (quota.Snapshot, error) {
	return s.d.Quota.CanSendMessage(ctx, childID)
}

// ResetQuota zeroes one child's usage counter.
func (s *Service) ResetQuota(ctx context.Context, childID int64) error {
	return s.d.Quota.Reset(ctx, childID)
}

// ResetAllQuotas zeroes every child's usage counter and returns how many
// children were reset.
func (s *Service) ResetAllQuotas(ctx context.Context) (int64, error) {
	return s.d.Quota.ResetAll(ctx)
}
