package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/klioai/klio/internal/db"
	"github.com/klioai/klio/internal/failure"
	"github.com/klioai/klio/internal/quota"
	"github.com/klioai/klio/internal/summary"
)

// DefaultCadence is the turn count between interim summaries.
const DefaultCadence = 25

// maxAttempts bounds the optimistic retries when a concurrent writer
// advances the turn count first.
const maxAttempts = 3

var (
	errStale = errors.New("stale message count")
	errLimit = errors.New("daily message limit reached")
)

// Recorder appends turns to active conversations and writes an interim
// summary every cadence turns.
type Recorder struct {
	db         *db.DB
	summarizer Summarizer
	cadence    int
	deps
}

// NewRecorder creates a Recorder. cadence <= 0 uses DefaultCadence.
func NewRecorder(database *db.DB, s Summarizer, cadence int, opts ...Option) *Recorder {
	if cadence <= 0 {
		cadence = DefaultCadence
	}
	return &Recorder{db: database, summarizer: s, cadence: cadence, deps: newDeps(opts)}
}

// Result is what a recording call stored.
type Result struct {
	Turns        []db.Message
	MessageCount int
	Interim      *db.Summary
}

// Record appends one turn. An assistant turn that answers a user turn
// counts one message against the child's quota; when the allowance is
// already used up nothing is stored and a policy failure is returned.
func (r *Recorder) Record(ctx context.Context, childID, conversationID int64, text, role string) (*db.Message, error) {
	if role != db.RoleUser && role != db.RoleAssistant {
		return nil, failure.Validation("role must be %q or %q", db.RoleUser, db.RoleAssistant)
	}
	res, err := r.append(ctx, childID, conversationID, []db.Message{{Role: role, Content: text}}, role == db.RoleAssistant)
	if err != nil {
		return nil, err
	}
	return &res.Turns[0], nil
}

// RecordExchange stores a user turn and the assistant reply to it
// atomically and counts one message against the quota.
func (r *Recorder) RecordExchange(ctx context.Context, childID, conversationID int64, userText, reply string) (*Result, error) {
	return r.append(ctx, childID, conversationID, []db.Message{
		{Role: db.RoleUser, Content: userText},
		{Role: db.RoleAssistant, Content: reply},
	}, true)
}

// History returns the last limit turns of a conversation, oldest first.
// limit <= 0 returns every turn.
func (r *Recorder) History(ctx context.Context, conversationID int64, limit int) ([]db.Message, error) {
	turns, err := r.db.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, failure.Storage(err, "load history")
	}
	return turns, nil
}

func (r *Recorder) append(ctx context.Context, childID, conversationID int64, turns []db.Message, countUsage bool) (*Result, error) {
	for _, t := range turns {
		if strings.TrimSpace(t.Content) == "" {
			return nil, failure.Validation("message text is empty")
		}
	}

	conv, err := r.load(ctx, childID, conversationID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		expected := conv.MessageCount
		next := expected + len(turns)

		now := r.now()
		for i := range turns {
			turns[i].ConversationID = conversationID
			turns[i].ChildID = childID
			turns[i].CreatedAt = now
		}

		var report *summary.Report
		if crossesCadence(expected, next, r.cadence) {
			history, err := r.db.ListMessages(ctx, conversationID, 0)
			if err != nil {
				return nil, failure.Storage(err, "load history for interim summary")
			}
			rep, err := r.summarizer.Summarize(ctx, append(history, turns...), profileOf(ctx, r.db, childID))
			if err != nil {
				r.logger.Warn("interim summary failed, turns not recorded", "conversation_id", conversationID, "error", err)
				return nil, err
			}
			report = &rep
		}

		res := &Result{MessageCount: next}
		limit := quota.DefaultLimit
		err = r.db.InTx(ctx, func(tx *db.Tx) error {
			ok, err := tx.AdvanceMessageCount(ctx, conversationID, expected, len(turns), now)
			if err != nil {
				return err
			}
			if !ok {
				return errStale
			}

			usage := countUsage
			if usage && len(turns) == 1 {
				// a lone assistant turn only counts when it answers the child
				last, err := tx.ListMessages(ctx, conversationID, 1)
				if err != nil {
					return err
				}
				usage = len(last) == 1 && last[0].Role == db.RoleUser
			}

			res.Turns = res.Turns[:0]
			for _, t := range turns {
				t.ID, err = tx.InsertMessage(ctx, &t)
				if err != nil {
					return err
				}
				res.Turns = append(res.Turns, t)
			}

			if report != nil {
				if _, err := tx.DeleteInterimSummaries(ctx, conversationID); err != nil {
					return err
				}
				res.Interim = &db.Summary{
					ChildID:        childID,
					ConversationID: &conversationID,
					Kind:           db.SummaryInterim,
					Text:           report.String(),
					CreatedAt:      now,
				}
				if res.Interim.ID, err = tx.InsertSummary(ctx, res.Interim); err != nil {
					return err
				}
			}

			if !usage {
				return nil
			}
			settings, err := tx.GetChildSettings(ctx, childID)
			if err != nil {
				return err
			}
			if limit = quota.LimitFor(settings); limit == quota.Unlimited {
				return tx.IncrementMessagesUsed(ctx, childID)
			}
			ok, err = tx.IncrementMessagesUsedBelow(ctx, childID, limit)
			if err != nil {
				return err
			}
			if !ok {
				return errLimit
			}
			return nil
		})
		if errors.Is(err, errLimit) {
			return nil, r.limitReached(ctx, childID, limit)
		}
		if errors.Is(err, errStale) {
			r.logger.Debug("message count moved, retrying", "conversation_id", conversationID, "attempt", attempt+1)
			if conv, err = r.load(ctx, childID, conversationID); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, failure.Storage(err, "record turns")
		}

		for _, t := range res.Turns {
			r.publish(conversationID, "turn", map[string]any{"role": t.Role, "content": t.Content, "id": t.ID})
		}
		if res.Interim != nil {
			r.logger.Info("interim summary written", "conversation_id", conversationID, "message_count", next)
			r.publish(conversationID, "interim_summary", map[string]any{"summary_id": res.Interim.ID})
		}
		return res, nil
	}
	return nil, failure.Conflict("conversation %d is busy, try again", conversationID)
}

// limitReached builds the policy failure for a send that lost the race for
// the last message of the day.
func (r *Recorder) limitReached(ctx context.Context, childID int64, limit int) error {
	used := limit
	if c, err := r.db.GetChild(ctx, childID); err == nil && c != nil {
		used = c.MessagesUsed
	}
	r.logger.Info("turns not recorded, daily limit reached", "child_id", childID, "used", used, "limit", limit)
	return failure.Policy(quota.Evaluate(used, limit).Failure(), "daily message limit reached")
}

// load returns the conversation if it is active and belongs to childID.
func (r *Recorder) load(ctx context.Context, childID, conversationID int64) (*db.Conversation, error) {
	conv, err := r.db.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, failure.Storage(err, "load conversation")
	}
	if conv == nil {
		return nil, failure.NotFound("conversation %d not found", conversationID)
	}
	if conv.ChildID != childID {
		return nil, failure.Validation("conversation %d does not belong to child %d", conversationID, childID)
	}
	if conv.Status != db.StatusActive {
		return nil, failure.Conflict("conversation %d is %s", conversationID, conv.Status)
	}
	return conv, nil
}

// crossesCadence reports whether moving the count from prev to next passes
// a multiple of cadence.
func crossesCadence(prev, next, cadence int) bool {
	return cadence > 0 && next/cadence > prev/cadence
}

func activityLine(event string, payload map[string]any) string {
	m := map[string]any{"event": event}
	for k, v := range payload {
		m[k] = v
	}
	b, _ := json.Marshal(m)
	return string(b)
}
