package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// KnowledgeBit is one fact learned about a topic.
type KnowledgeBit struct {
	Fact      string    `json:"fact"`
	LearnedAt time.Time `json:"learned_at"`
}

// TopicDetails is the JSON blob stored with every memory topic.
type TopicDetails struct {
	EngagementLevel  string         `json:"engagement_level,omitempty"`
	SubTopics        []string       `json:"sub_topics"`
	KnowledgeBits    []KnowledgeBit `json:"knowledge_bits"`
	RelatedInterests []string       `json:"related_interests"`
}

// Topic is one node of a child's long-term knowledge graph.
type Topic struct {
	ID              int64
	ChildID         int64
	Category        string
	Label           string
	Details         TopicDetails
	EngagementCount int
	FirstSeen       time.Time
	LastSeen        time.Time
}

const topicColumns = `id, child_id, category, topic, details, engagement_count, first_seen, last_seen`

func scanTopic(scanner interface{ Scan(...any) error }, t *Topic) error {
	var details, first, last string
	if err := scanner.Scan(&t.ID, &t.ChildID, &t.Category, &t.Label, &details, &t.EngagementCount, &first, &last); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(details), &t.Details); err != nil {
		return fmt.Errorf("details of topic %d: %w", t.ID, err)
	}
	var err error
	if t.FirstSeen, err = ParseTime(first); err != nil {
		return fmt.Errorf("first_seen: %w", err)
	}
	if t.LastSeen, err = ParseTime(last); err != nil {
		return fmt.Errorf("last_seen: %w", err)
	}
	return nil
}

func (q *Queries) listTopics(ctx context.Context, query string, args ...any) ([]Topic, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []Topic
	for rows.Next() {
		var t Topic
		if err := scanTopic(rows, &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTopics returns a child's topics in creation order.
func (q *Queries) ListTopics(ctx context.Context, childID int64) ([]Topic, error) {
	out, err := q.listTopics(ctx,
		`SELECT `+topicColumns+` FROM long_term_memory_graph WHERE child_id = ? ORDER BY id`, childID)
	if err != nil {
		return nil, fmt.Errorf("list topics for child %d: %w", childID, err)
	}
	return out, nil
}

// ListTopicsRanked returns a child's topics by engagement, then recency.
func (q *Queries) ListTopicsRanked(ctx context.Context, childID int64) ([]Topic, error) {
	out, err := q.listTopics(ctx,
		`SELECT `+topicColumns+` FROM long_term_memory_graph WHERE child_id = ?
		 ORDER BY engagement_count DESC, last_seen DESC, id ASC`, childID)
	if err != nil {
		return nil, fmt.Errorf("list ranked topics for child %d: %w", childID, err)
	}
	return out, nil
}

// InsertTopic stores a new topic and returns its id.
func (q *Queries) InsertTopic(ctx context.Context, t *Topic) (int64, error) {
	details, err := json.Marshal(t.Details)
	if err != nil {
		return 0, fmt.Errorf("marshal details of topic %q: %w", t.Label, err)
	}
	var id int64
	err = q.queryRow(ctx,
		`INSERT INTO long_term_memory_graph (child_id, category, topic, details, engagement_count, first_seen, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		t.ChildID, t.Category, t.Label, string(details), t.EngagementCount,
		FormatTime(t.FirstSeen), FormatTime(t.LastSeen),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert topic %q for child %d: %w", t.Label, t.ChildID, err)
	}
	return id, nil
}

// UpdateTopic writes back a topic's details, engagement and last_seen.
func (q *Queries) UpdateTopic(ctx context.Context, t *Topic) error {
	details, err := json.Marshal(t.Details)
	if err != nil {
		return fmt.Errorf("marshal details of topic %d: %w", t.ID, err)
	}
	_, err = q.exec(ctx,
		`UPDATE long_term_memory_graph SET details = ?, engagement_count = ?, last_seen = ? WHERE id = ?`,
		string(details), t.EngagementCount, FormatTime(t.LastSeen), t.ID,
	)
	if err != nil {
		return fmt.Errorf("update topic %d: %w", t.ID, err)
	}
	return nil
}

// DeleteTopic removes a child's topic by label, case-insensitively. It
// reports whether a row was deleted.
func (q *Queries) DeleteTopic(ctx context.Context, childID int64, label string) (bool, error) {
	res, err := q.exec(ctx,
		`DELETE FROM long_term_memory_graph WHERE child_id = ? AND lower(topic) = lower(?)`,
		childID, label)
	if err != nil {
		return false, fmt.Errorf("delete topic %q for child %d: %w", label, childID, err)
	}
	return rowsAffected(res) > 0, nil
}
