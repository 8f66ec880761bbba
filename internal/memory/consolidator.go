// Package memory maintains each child's long-term knowledge graph: topics
// merged from conversation summaries and read back for personalization.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/klioai/klio/internal/db"
	"github.com/klioai/klio/internal/failure"
)

// Option configures a Consolidator.
type Option func(*Consolidator)

// WithVocabulary replaces the built-in generic-topic and stopword lists.
func WithVocabulary(v *Vocabulary) Option {
	return func(c *Consolidator) {
		if v != nil {
			c.vocab = v
		}
	}
}

// WithWordOverlap sets the word-overlap match threshold in (0, 1].
func WithWordOverlap(threshold float64) Option {
	return func(c *Consolidator) {
		if threshold > 0 && threshold <= 1 {
			c.threshold = threshold
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Consolidator) { c.now = now }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Consolidator) {
		if l != nil {
			c.logger = l
		}
	}
}

// Consolidator merges summaries into the memory graph.
type Consolidator struct {
	db        *db.DB
	extractor Extractor
	vocab     *Vocabulary
	threshold float64
	locks     childLocks
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Consolidator.
func New(database *db.DB, ex Extractor, opts ...Option) *Consolidator {
	c := &Consolidator{
		db:        database,
		extractor: ex,
		vocab:     DefaultVocabulary(),
		threshold: DefaultWordOverlap,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Outcome lists what one consolidation did, by topic label.
type Outcome struct {
	Created []string
	Updated []string
	Skipped []string
	// AlreadyConsumed is set when the summary was folded in and deleted by
	// another caller first; nothing was changed.
	AlreadyConsumed bool
}

var errConsumed = errors.New("summary already consumed")

// Consolidate extracts insights from summaryText and merges them into the
// child's topics in one transaction.
func (c *Consolidator) Consolidate(ctx context.Context, childID int64, summaryText string) (*Outcome, error) {
	return c.consolidate(ctx, childID, summaryText, nil)
}

// ConsolidateSummary is Consolidate for a stored summary, deleting the
// summary row in the same transaction.
func (c *Consolidator) ConsolidateSummary(ctx context.Context, s db.Summary) (*Outcome, error) {
	return c.consolidate(ctx, s.ChildID, s.Text, &s.ID)
}

func (c *Consolidator) consolidate(ctx context.Context, childID int64, text string, summaryID *int64) (*Outcome, error) {
	insights := c.extractor.Extract(ctx, text)

	unlock := c.locks.lock(childID)
	defer unlock()

	now := c.now()
	out := &Outcome{}
	err := c.db.InTx(ctx, func(tx *db.Tx) error {
		if err := tx.LockChild(ctx, childID); err != nil {
			return err
		}
		if summaryID != nil {
			ok, err := tx.DeleteSummary(ctx, *summaryID)
			if err != nil {
				return err
			}
			if !ok {
				return errConsumed
			}
		}
		existing, err := tx.ListTopics(ctx, childID)
		if err != nil {
			return err
		}
		idx := newTopicIndex(c.vocab, c.threshold, existing)
		touched := make(map[*db.Topic]bool)
		created := make(map[*db.Topic]bool)

		for _, label := range insights.Topics {
			if c.vocab.IsGeneric(label) {
				out.Skipped = append(out.Skipped, label)
				continue
			}
			fact := insights.fact(label)
			subs := lookupList(insights.SubTopics, label)
			related := lookupList(insights.RelatedInterests, label)

			if t := idx.match(label); t != nil {
				mergeInto(t, fact, subs, related, now)
				idx.refresh(t)
				if !touched[t] && !created[t] {
					out.Updated = append(out.Updated, t.Label)
				}
				touched[t] = true
				continue
			}

			t := &db.Topic{
				ChildID:  childID,
				Category: "interest",
				Label:    label,
				Details: db.TopicDetails{
					EngagementLevel:  "initial",
					SubTopics:        union(nil, subs),
					KnowledgeBits:    []db.KnowledgeBit{},
					RelatedInterests: union(nil, related),
				},
				EngagementCount: 1,
				FirstSeen:       now,
				LastSeen:        now,
			}
			if fact != "" {
				t.Details.KnowledgeBits = append(t.Details.KnowledgeBits, db.KnowledgeBit{Fact: fact, LearnedAt: now})
			}
			if t.ID, err = tx.InsertTopic(ctx, t); err != nil {
				return err
			}
			idx.add(t)
			created[t] = true
			out.Created = append(out.Created, label)
		}

		for t := range touched {
			if err := tx.UpdateTopic(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errConsumed) {
		c.logger.Debug("summary already consumed", "child_id", childID, "summary_id", *summaryID)
		return &Outcome{AlreadyConsumed: true}, nil
	}
	if err != nil {
		return nil, failure.Storage(err, "consolidate memory for child %d", childID)
	}

	c.logger.Info("memory consolidated",
		"child_id", childID,
		"created", len(out.Created),
		"updated", len(out.Updated),
		"skipped", len(out.Skipped),
	)
	return out, nil
}

// mergeInto folds one extracted topic into an existing one.
func mergeInto(t *db.Topic, fact string, subs, related []string, now time.Time) {
	if fact != "" {
		seen := false
		for _, kb := range t.Details.KnowledgeBits {
			if kb.Fact == fact {
				seen = true
				break
			}
		}
		if !seen {
			t.Details.KnowledgeBits = append(t.Details.KnowledgeBits, db.KnowledgeBit{Fact: fact, LearnedAt: now})
		}
	}
	t.Details.SubTopics = union(t.Details.SubTopics, subs)
	t.Details.RelatedInterests = union(t.Details.RelatedInterests, related)
	t.EngagementCount++
	t.LastSeen = now
}

// union appends the entries of add missing from base, keeping order.
func union(base, add []string) []string {
	out := make([]string, 0, len(base)+len(add))
	seen := make(map[string]bool, len(base)+len(add))
	for _, group := range [][]string{base, add} {
		for _, s := range group {
			s = strings.TrimSpace(s)
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// DeleteTopic removes a topic by label, case-insensitively.
func (c *Consolidator) DeleteTopic(ctx context.Context, childID int64, label string) error {
	if strings.TrimSpace(label) == "" {
		return failure.Validation("topic is required")
	}
	unlock := c.locks.lock(childID)
	defer unlock()

	ok, err := c.db.DeleteTopic(ctx, childID, strings.TrimSpace(label))
	if err != nil {
		return failure.Storage(err, "delete topic")
	}
	if !ok {
		return failure.NotFound("topic %q not found", label)
	}
	c.logger.Info("memory topic deleted", "child_id", childID, "topic", label)
	return nil
}

// childLocks is a mutex per child id, dropped when unused.
type childLocks struct {
	mu sync.Mutex
	m  map[int64]*childLock
}

type childLock struct {
	mu   sync.Mutex
	refs int
}

func (l *childLocks) lock(childID int64) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[int64]*childLock)
	}
	cl, ok := l.m[childID]
	if !ok {
		cl = &childLock{}
		l.m[childID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		if cl.refs--; cl.refs == 0 {
			delete(l.m, childID)
		}
		l.mu.Unlock()
	}
}
