package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Summary kinds.
const (
	SummaryInterim = "interim"
	SummaryFinal   = "final"
)

// Summary is a stored conversation report.
type Summary struct {
	ID             int64
	ChildID        int64
	ConversationID *int64 // nil once the conversation row has been swept
	Kind           string
	Text           string
	CreatedAt      time.Time
}

// SummaryListing is a summary joined with what is left of its conversation.
type SummaryListing struct {
	Summary
	StartTime    *time.Time
	EndTime      *time.Time
	MessageCount int
}

func scanSummary(scanner interface{ Scan(...any) error }, s *Summary, extra ...any) error {
	var (
		convID    sql.NullInt64
		createdAt string
	)
	dest := append([]any{&s.ID, &s.ChildID, &convID, &s.Kind, &s.Text, &createdAt}, extra...)
	if err := scanner.Scan(dest...); err != nil {
		return err
	}
	if convID.Valid {
		id := convID.Int64
		s.ConversationID = &id
	}
	var err error
	if s.CreatedAt, err = ParseTime(createdAt); err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	return nil
}

// InsertSummary stores a summary and returns its id.
func (q *Queries) InsertSummary(ctx context.Context, s *Summary) (int64, error) {
	var id int64
	err := q.queryRow(ctx,
		`INSERT INTO chat_summaries (child_id, conversation_id, kind, summary, created_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`,
		s.ChildID, s.ConversationID, s.Kind, s.Text, FormatTime(s.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert %s summary for child %d: %w", s.Kind, s.ChildID, err)
	}
	return id, nil
}

// DeleteInterimSummaries removes the interim summaries of a conversation.
func (q *Queries) DeleteInterimSummaries(ctx context.Context, conversationID int64) (int64, error) {
	res, err := q.exec(ctx,
		`DELETE FROM chat_summaries WHERE conversation_id = ? AND kind = 'interim'`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("delete interim summaries of conversation %d: %w", conversationID, err)
	}
	return rowsAffected(res), nil
}

// DeleteSummary removes one summary. It reports whether a row was deleted.
func (q *Queries) DeleteSummary(ctx context.Context, id int64) (bool, error) {
	res, err := q.exec(ctx, `DELETE FROM chat_summaries WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete summary %d: %w", id, err)
	}
	return rowsAffected(res) > 0, nil
}

// ListSummaries returns a child's newest summaries first, with duration and
// message count from the conversation while it still exists.
func (q *Queries) ListSummaries(ctx context.Context, childID int64, limit int) ([]SummaryListing, error) {
	rows, err := q.query(ctx,
		`SELECT s.id, s.child_id, s.conversation_id, s.kind, s.summary, s.created_at,
		        c.start_time, c.end_time, COALESCE(c.message_count, 0)
		 FROM chat_summaries s
		 LEFT JOIN conversations c ON c.id = s.conversation_id
		 WHERE s.child_id = ?
		 ORDER BY s.created_at DESC, s.id DESC
		 LIMIT ?`, childID, limit)
	if err != nil {
		return nil, fmt.Errorf("list summaries for child %d: %w", childID, err)
	}
	defer rows.Close() //nolint:errcheck

	var out []SummaryListing
	for rows.Next() {
		var (
			l          SummaryListing
			start, end sql.NullString
		)
		if err := scanSummary(rows, &l.Summary, &start, &end, &l.MessageCount); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		if l.StartTime, err = parseNullTime(start); err != nil {
			return nil, fmt.Errorf("scan summary %d: start_time: %w", l.ID, err)
		}
		if l.EndTime, err = parseNullTime(end); err != nil {
			return nil, fmt.Errorf("scan summary %d: end_time: %w", l.ID, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListSummariesOldestFirst returns every summary of a child, oldest first.
func (q *Queries) ListSummariesOldestFirst(ctx context.Context, childID int64) ([]Summary, error) {
	return q.listSummaries(ctx,
		`SELECT id, child_id, conversation_id, kind, summary, created_at
		 FROM chat_summaries WHERE child_id = ?
		 ORDER BY created_at ASC, id ASC`, childID)
}

// ListConversationSummaries returns the summaries generated from one
// conversation, oldest first.
func (q *Queries) ListConversationSummaries(ctx context.Context, conversationID int64) ([]Summary, error) {
	return q.listSummaries(ctx,
		`SELECT id, child_id, conversation_id, kind, summary, created_at
		 FROM chat_summaries WHERE conversation_id = ?
		 ORDER BY created_at ASC, id ASC`, conversationID)
}

func (q *Queries) listSummaries(ctx context.Context, query string, args ...any) ([]Summary, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := scanSummary(rows, &s); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountSummaries returns the number of stored summaries of a child.
func (q *Queries) CountSummaries(ctx context.Context, childID int64) (int, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM chat_summaries WHERE child_id = ?`, childID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count summaries for child %d: %w", childID, err)
	}
	return n, nil
}

// ChildrenWithSummariesOver returns the ids of children holding more than
// keep summaries, ascending.
func (q *Queries) ChildrenWithSummariesOver(ctx context.Context, keep int) ([]int64, error) {
	rows, err := q.query(ctx,
		`SELECT child_id FROM chat_summaries
		 GROUP BY child_id HAVING COUNT(*) > ?
		 ORDER BY child_id`, keep)
	if err != nil {
		return nil, fmt.Errorf("list children over summary limit: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan child id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
