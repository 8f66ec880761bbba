package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Conversation lifecycle states.
const (
	StatusActive     = "active"
	StatusEnded      = "ended"
	StatusSummarized = "summarized"
)

// Conversation is one bounded chat session of a child.
type Conversation struct {
	ID           int64
	ChildID      int64
	Status       string
	MessageCount int
	StartTime    time.Time
	EndTime      *time.Time
	LastActivity time.Time
}

const conversationColumns = `id, child_id, status, message_count, start_time, end_time, last_activity`

func scanConversation(scanner interface{ Scan(...any) error }, c *Conversation) error {
	var (
		start, last string
		end         sql.NullString
	)
	if err := scanner.Scan(&c.ID, &c.ChildID, &c.Status, &c.MessageCount, &start, &end, &last); err != nil {
		return err
	}
	var err error
	if c.StartTime, err = ParseTime(start); err != nil {
		return fmt.Errorf("start_time: %w", err)
	}
	if c.LastActivity, err = ParseTime(last); err != nil {
		return fmt.Errorf("last_activity: %w", err)
	}
	if c.EndTime, err = parseNullTime(end); err != nil {
		return fmt.Errorf("end_time: %w", err)
	}
	return nil
}

func (q *Queries) listConversations(ctx context.Context, query string, args ...any) ([]Conversation, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := scanConversation(rows, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertConversation creates an active conversation for the child.
func (q *Queries) InsertConversation(ctx context.Context, childID int64, now time.Time) (int64, error) {
	ts := FormatTime(now)
	var id int64
	err := q.queryRow(ctx,
		`INSERT INTO conversations (child_id, status, message_count, start_time, last_activity)
		 VALUES (?, 'active', 0, ?, ?) RETURNING id`,
		childID, ts, ts,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert conversation for child %d: %w", childID, err)
	}
	return id, nil
}

// GetConversation returns a conversation by id, or nil if not found.
func (q *Queries) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	var c Conversation
	err := scanConversation(q.queryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id), &c)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %d: %w", id, err)
	}
	return &c, nil
}

// GetActiveConversation returns the child's active conversation, or nil.
// The newest wins should the single-active index ever be bypassed.
func (q *Queries) GetActiveConversation(ctx context.Context, childID int64) (*Conversation, error) {
	var c Conversation
	err := scanConversation(q.queryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE child_id = ? AND status = 'active'
		 ORDER BY start_time DESC, id DESC LIMIT 1`, childID), &c)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active conversation for child %d: %w", childID, err)
	}
	return &c, nil
}

// CountActiveConversations is used to check the single-active invariant.
func (q *Queries) CountActiveConversations(ctx context.Context, childID int64) (int, error) {
	var n int
	err := q.queryRow(ctx,
		`SELECT COUNT(*) FROM conversations WHERE child_id = ? AND status = 'active'`, childID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active conversations for child %d: %w", childID, err)
	}
	return n, nil
}

// EndActiveConversations force-ends every active conversation of the child.
func (q *Queries) EndActiveConversations(ctx context.Context, childID int64, now time.Time) (int64, error) {
	res, err := q.exec(ctx,
		`UPDATE conversations SET status = 'ended', end_time = ? WHERE child_id = ? AND status = 'active'`,
		FormatTime(now), childID,
	)
	if err != nil {
		return 0, fmt.Errorf("end active conversations for child %d: %w", childID, err)
	}
	return rowsAffected(res), nil
}

// MarkConversationEnded moves an active conversation to ended. It reports
// whether the row transitioned.
func (q *Queries) MarkConversationEnded(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := q.exec(ctx,
		`UPDATE conversations SET status = 'ended', end_time = ? WHERE id = ? AND status = 'active'`,
		FormatTime(now), id,
	)
	if err != nil {
		return false, fmt.Errorf("end conversation %d: %w", id, err)
	}
	return rowsAffected(res) > 0, nil
}

// MarkConversationSummarized moves an ended conversation to summarized and
// stamps its end time. It reports whether the row transitioned.
func (q *Queries) MarkConversationSummarized(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := q.exec(ctx,
		`UPDATE conversations SET status = 'summarized', end_time = ? WHERE id = ? AND status = 'ended'`,
		FormatTime(now), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark conversation %d summarized: %w", id, err)
	}
	return rowsAffected(res) > 0, nil
}

// AdvanceMessageCount adds delta to the turn counter of an active
// conversation, provided the counter still equals expected. It reports
// whether the row was updated.
func (q *Queries) AdvanceMessageCount(ctx context.Context, id int64, expected, delta int, now time.Time) (bool, error) {
	res, err := q.exec(ctx,
		`UPDATE conversations SET message_count = message_count + ?, last_activity = ?
		 WHERE id = ? AND status = 'active' AND message_count = ?`,
		delta, FormatTime(now), id, expected,
	)
	if err != nil {
		return false, fmt.Errorf("advance message count of conversation %d: %w", id, err)
	}
	return rowsAffected(res) > 0, nil
}

// ListUnfinishedConversations returns ended conversations that still hold
// turns, plus active conversations idle since before idleBefore.
func (q *Queries) ListUnfinishedConversations(ctx context.Context, idleBefore time.Time) ([]Conversation, error) {
	out, err := q.listConversations(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE (status = 'ended' AND message_count > 0)
		    OR (status = 'active' AND last_activity < ?)
		 ORDER BY id`, FormatTime(idleBefore))
	if err != nil {
		return nil, fmt.Errorf("list unfinished conversations: %w", err)
	}
	return out, nil
}

// DeleteExpiredTurns removes the turns of conversations summarized before
// cutoff. Turns of conversations in any other state are never touched.
func (q *Queries) DeleteExpiredTurns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.exec(ctx,
		`DELETE FROM chat_messages WHERE conversation_id IN (
		   SELECT id FROM conversations WHERE status = 'summarized' AND end_time < ?
		 )`, FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete expired turns: %w", err)
	}
	return rowsAffected(res), nil
}

// DeleteExpiredConversations removes summarized conversations, and ended ones
// that never received a turn, whose end time is before cutoff.
func (q *Queries) DeleteExpiredConversations(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.exec(ctx,
		`DELETE FROM conversations
		 WHERE end_time < ?
		   AND (status = 'summarized' OR (status = 'ended' AND message_count = 0))`,
		FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete expired conversations: %w", err)
	}
	return rowsAffected(res), nil
}
