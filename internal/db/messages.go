package db

import (
	"context"
	"fmt"
	"time"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	ID             int64
	ConversationID int64
	ChildID        int64
	Role           string
	Content        string
	CreatedAt      time.Time
}

// InsertMessage stores a turn and returns its id.
func (q *Queries) InsertMessage(ctx context.Context, m *Message) (int64, error) {
	var id int64
	err := q.queryRow(ctx,
		`INSERT INTO chat_messages (conversation_id, child_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`,
		m.ConversationID, m.ChildID, m.Role, m.Content, FormatTime(m.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert message into conversation %d: %w", m.ConversationID, err)
	}
	return id, nil
}

// ListMessages returns the last limit turns of a conversation, oldest first.
// A limit <= 0 returns every turn. Turns are ordered by timestamp, then id.
func (q *Queries) ListMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	query := `SELECT id, conversation_id, child_id, role, content, created_at
		 FROM chat_messages WHERE conversation_id = ?
		 ORDER BY created_at ASC, id ASC`
	args := []any{conversationID}
	if limit > 0 {
		query = `SELECT id, conversation_id, child_id, role, content, created_at FROM (
		   SELECT id, conversation_id, child_id, role, content, created_at
		   FROM chat_messages WHERE conversation_id = ?
		   ORDER BY created_at DESC, id DESC LIMIT ?
		 ) recent ORDER BY created_at ASC, id ASC`
		args = append(args, limit)
	}

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages of conversation %d: %w", conversationID, err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Message
	for rows.Next() {
		var (
			m         Message
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ChildID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("scan message %d: created_at: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessages returns the number of stored turns of a conversation.
func (q *Queries) CountMessages(ctx context.Context, conversationID int64) (int, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM chat_messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages of conversation %d: %w", conversationID, err)
	}
	return n, nil
}

// DeleteMessages removes every turn of a conversation.
func (q *Queries) DeleteMessages(ctx context.Context, conversationID int64) (int64, error) {
	res, err := q.exec(ctx, `DELETE FROM chat_messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("delete messages of conversation %d: %w", conversationID, err)
	}
	return rowsAffected(res), nil
}
