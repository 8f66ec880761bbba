package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Child is the minimal child profile the conversation core reads.
type Child struct {
	ID           int64
	Name         string
	Age          *int
	MessagesUsed int
	CreatedAt    time.Time
}

// ChildSettings is the parental-control record consumed by the quota guard
// and the content filter.
type ChildSettings struct {
	ChildID             int64
	MessageLimit        int
	AllowedStart        string // HH:MM
	AllowedEnd          string // HH:MM
	FilterInappropriate bool
	BlockPersonalInfo   bool
}

// InsertChild creates a child profile and returns its id.
func (q *Queries) InsertChild(ctx context.Context, name string, age *int) (int64, error) {
	var id int64
	err := q.queryRow(ctx,
		`INSERT INTO children (name, age, created_at) VALUES (?, ?, ?) RETURNING id`,
		name, age, FormatTime(time.Now()),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert child: %w", err)
	}
	return id, nil
}

// GetChild returns a child by id, or nil if not found.
func (q *Queries) GetChild(ctx context.Context, id int64) (*Child, error) {
	var (
		c         Child
		age       sql.NullInt64
		createdAt string
	)
	err := q.queryRow(ctx,
		`SELECT id, name, age, messages_used, created_at FROM children WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &age, &c.MessagesUsed, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get child %d: %w", id, err)
	}
	if age.Valid {
		a := int(age.Int64)
		c.Age = &a
	}
	if c.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("get child %d: created_at: %w", id, err)
	}
	return &c, nil
}

// DeleteChild removes a child and, by cascade, everything the core stores
// for it.
func (q *Queries) DeleteChild(ctx context.Context, id int64) error {
	if _, err := q.exec(ctx, `DELETE FROM children WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete child %d: %w", id, err)
	}
	return nil
}

// GetChildSettings returns the settings row for a child, or nil if none.
func (q *Queries) GetChildSettings(ctx context.Context, childID int64) (*ChildSettings, error) {
	var (
		s             ChildSettings
		filter, block int
	)
	err := q.queryRow(ctx,
		`SELECT child_id, message_limit, allowed_start, allowed_end, filter_inappropriate, block_personal_info
		 FROM child_settings WHERE child_id = ?`, childID,
	).Scan(&s.ChildID, &s.MessageLimit, &s.AllowedStart, &s.AllowedEnd, &filter, &block)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settings for child %d: %w", childID, err)
	}
	s.FilterInappropriate = filter != 0
	s.BlockPersonalInfo = block != 0
	return &s, nil
}

// UpsertChildSettings creates or replaces a child's settings row.
func (q *Queries) UpsertChildSettings(ctx context.Context, s ChildSettings) error {
	_, err := q.exec(ctx,
		`INSERT INTO child_settings (child_id, message_limit, allowed_start, allowed_end, filter_inappropriate, block_personal_info, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (child_id) DO UPDATE SET
		   message_limit = excluded.message_limit,
		   allowed_start = excluded.allowed_start,
		   allowed_end = excluded.allowed_end,
		   filter_inappropriate = excluded.filter_inappropriate,
		   block_personal_info = excluded.block_personal_info,
		   updated_at = excluded.updated_at`,
		s.ChildID, s.MessageLimit, s.AllowedStart, s.AllowedEnd,
		boolToInt(s.FilterInappropriate), boolToInt(s.BlockPersonalInfo), FormatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert settings for child %d: %w", s.ChildID, err)
	}
	return nil
}

// IncrementMessagesUsed bumps the child's daily usage counter by one.
func (q *Queries) IncrementMessagesUsed(ctx context.Context, childID int64) error {
	res, err := q.exec(ctx, `UPDATE children SET messages_used = messages_used + 1 WHERE id = ?`, childID)
	if err != nil {
		return fmt.Errorf("increment usage for child %d: %w", childID, err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("increment usage for child %d: %w", childID, sql.ErrNoRows)
	}
	return nil
}

// IncrementMessagesUsedBelow bumps the usage counter only while it is below
// limit. It reports whether the counter moved.
func (q *Queries) IncrementMessagesUsedBelow(ctx context.Context, childID int64, limit int) (bool, error) {
	res, err := q.exec(ctx,
		`UPDATE children SET messages_used = messages_used + 1 WHERE id = ? AND messages_used < ?`,
		childID, limit)
	if err != nil {
		return false, fmt.Errorf("increment usage for child %d: %w", childID, err)
	}
	return rowsAffected(res) > 0, nil
}

// ResetMessagesUsed zeroes one child's usage counter. It reports whether the
// child exists.
func (q *Queries) ResetMessagesUsed(ctx context.Context, childID int64) (bool, error) {
	res, err := q.exec(ctx, `UPDATE children SET messages_used = 0 WHERE id = ?`, childID)
	if err != nil {
		return false, fmt.Errorf("reset usage for child %d: %w", childID, err)
	}
	return rowsAffected(res) > 0, nil
}

// ResetAllMessagesUsed zeroes every child's usage counter.
func (q *Queries) ResetAllMessagesUsed(ctx context.Context) (int64, error) {
	res, err := q.exec(ctx, `UPDATE children SET messages_used = 0 WHERE messages_used <> 0`)
	if err != nil {
		return 0, fmt.Errorf("reset usage: %w", err)
	}
	return rowsAffected(res), nil
}
