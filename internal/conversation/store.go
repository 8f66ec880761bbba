// Package conversation owns the conversation lifecycle (active, ended,
// summarized) and the recording of turns against it.
package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/klioai/klio/internal/db"
	"github.com/klioai/klio/internal/failure"
	"github.com/klioai/klio/internal/summary"
)

// Summarizer reduces ordered turns to a report.
type Summarizer interface {
	Summarize(ctx context.Context, turns []db.Message, p summary.Profile) (summary.Report, error)
}

// Publisher receives live activity for a conversation. The hub implements it.
type Publisher interface {
	Publish(conversationID int64, line string)
	Close(conversationID int64)
}

// Option configures a Store or Recorder.
type Option func(*deps)

type deps struct {
	hub    Publisher
	now    func() time.Time
	logger *slog.Logger
}

// WithPublisher streams recorded turns and lifecycle events to p.
func WithPublisher(p Publisher) Option {
	return func(d *deps) { d.hub = p }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *deps) { d.now = now }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *deps) {
		if l != nil {
			d.logger = l
		}
	}
}

func newDeps(opts []Option) deps {
	d := deps{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

func (d deps) publish(conversationID int64, event string, payload map[string]any) {
	if d.hub == nil {
		return
	}
	d.hub.Publish(conversationID, activityLine(event, payload))
}

// Store manages conversation state transitions.
type Store struct {
	db         *db.DB
	summarizer Summarizer
	deps
}

// NewStore creates a Store.
func NewStore(database *db.DB, s Summarizer, opts ...Option) *Store {
	return &Store{db: database, summarizer: s, deps: newDeps(opts)}
}

// Start force-ends the child's active conversation, if any, and opens a new
// one in the same transaction.
func (s *Store) Start(ctx context.Context, childID int64) (*db.Conversation, error) {
	child, err := s.db.GetChild(ctx, childID)
	if err != nil {
		return nil, failure.Storage(err, "load child")
	}
	if child == nil {
		return nil, failure.NotFound("child %d not found", childID)
	}

	now := s.now()
	var (
		id    int64
		ended int64
	)
	err = s.db.InTx(ctx, func(tx *db.Tx) error {
		if err := tx.LockChild(ctx, childID); err != nil {
			return err
		}
		var err error
		if ended, err = tx.EndActiveConversations(ctx, childID, now); err != nil {
			return err
		}
		id, err = tx.InsertConversation(ctx, childID, now)
		return err
	})
	if err != nil {
		return nil, failure.Storage(err, "start conversation")
	}
	if ended > 0 {
		s.logger.Info("force-ended previous conversation", "child_id", childID, "count", ended)
	}
	s.logger.Info("conversation started", "child_id", childID, "conversation_id", id)

	conv, err := s.db.GetConversation(ctx, id)
	if err != nil || conv == nil {
		return nil, failure.Storage(err, "load conversation %d", id)
	}
	return conv, nil
}

// GetActive returns the child's active conversation, or nil.
func (s *Store) GetActive(ctx context.Context, childID int64) (*db.Conversation, error) {
	conv, err := s.db.GetActiveConversation(ctx, childID)
	if err != nil {
		return nil, failure.Storage(err, "load active conversation")
	}
	return conv, nil
}

// EndResult is the outcome of End.
type EndResult struct {
	Conversation *db.Conversation
	Summary      *db.Summary // nil when there was nothing to summarize
}

// End closes a conversation, writes its final summary, purges interim
// summaries and deletes its turns. Once End has begun no turn can be
// recorded. If summarization fails the conversation stays ended with its
// turns intact and the error is a retryable upstream failure; calling End
// again resumes from there. Ending a summarized conversation is a no-op.
func (s *Store) End(ctx context.Context, conversationID int64) (*EndResult, error) {
	conv, err := s.db.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, failure.Storage(err, "load conversation")
	}
	if conv == nil {
		return nil, failure.NotFound("conversation %d not found", conversationID)
	}
	if conv.Status == db.StatusSummarized {
		return &EndResult{Conversation: conv}, nil
	}

	if conv.Status == db.StatusActive {
		if _, err := s.db.MarkConversationEnded(ctx, conversationID, s.now()); err != nil {
			return nil, failure.Storage(err, "end conversation")
		}
		s.publish(conversationID, "ended", nil)
	}

	turns, err := s.db.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return nil, failure.Storage(err, "load turns")
	}
	if len(turns) == 0 {
		s.logger.Info("conversation ended without turns", "conversation_id", conversationID)
		if s.hub != nil {
			s.hub.Close(conversationID)
		}
		return s.reload(ctx, conversationID, nil)
	}

	report, err := s.summarizer.Summarize(ctx, turns, profileOf(ctx, s.db, conv.ChildID))
	if err != nil {
		s.logger.Warn("final summary failed, conversation left ended", "conversation_id", conversationID, "error", err)
		return nil, err
	}

	now := s.now()
	final := &db.Summary{
		ChildID:        conv.ChildID,
		ConversationID: &conversationID,
		Kind:           db.SummaryFinal,
		Text:           report.String(),
		CreatedAt:      now,
	}
	var wrote bool
	err = s.db.InTx(ctx, func(tx *db.Tx) error {
		ok, err := tx.MarkConversationSummarized(ctx, conversationID, now)
		if err != nil || !ok {
			// !ok: a concurrent End finished first.
			return err
		}
		if _, err := tx.DeleteInterimSummaries(ctx, conversationID); err != nil {
			return err
		}
		if final.ID, err = tx.InsertSummary(ctx, final); err != nil {
			return err
		}
		if _, err := tx.DeleteMessages(ctx, conversationID); err != nil {
			return err
		}
		wrote = true
		return nil
	})
	if err != nil {
		return nil, failure.Storage(err, "finalize conversation")
	}
	if !wrote {
		return s.reload(ctx, conversationID, nil)
	}

	s.logger.Info("conversation summarized", "conversation_id", conversationID, "turns", len(turns), "summary_id", final.ID)
	s.publish(conversationID, "summarized", map[string]any{"summary_id": final.ID})
	if s.hub != nil {
		s.hub.Close(conversationID)
	}
	return s.reload(ctx, conversationID, final)
}

func (s *Store) reload(ctx context.Context, conversationID int64, sum *db.Summary) (*EndResult, error) {
	conv, err := s.db.GetConversation(ctx, conversationID)
	if err != nil || conv == nil {
		return nil, failure.Storage(err, "reload conversation %d", conversationID)
	}
	return &EndResult{Conversation: conv, Summary: sum}, nil
}

// profileOf loads the child's name and age for prompts. A lookup failure
// yields an anonymous profile.
func profileOf(ctx context.Context, database *db.DB, childID int64) summary.Profile {
	child, err := database.GetChild(ctx, childID)
	if err != nil || child == nil {
		return summary.Profile{}
	}
	p := summary.Profile{Name: child.Name}
	if child.Age != nil {
		p.Age = *child.Age
	}
	return p
}
