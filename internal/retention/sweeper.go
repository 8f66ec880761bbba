// Package retention runs the periodic sweep that finalises abandoned
// conversations, deletes expired raw data and folds old summaries into the
// memory graph.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/klioai/klio/internal/conversation"
	"github.com/klioai/klio/internal/db"
	"github.com/klioai/klio/internal/memory"
)

// Defaults for Config zero values.
const (
	DefaultKeepSummaries         = 5
	DefaultTurnRetention         = 24 * time.Hour
	DefaultConversationRetention = 7 * 24 * time.Hour
	DefaultIdleTimeout           = 2 * time.Hour
	DefaultInterval              = 24 * time.Hour
	DefaultConcurrency           = 4
)

// Ender finalises a conversation.
type Ender interface {
	End(ctx context.Context, conversationID int64) (*conversation.EndResult, error)
}

// Consolidator folds a stored summary into memory and deletes it.
type Consolidator interface {
	ConsolidateSummary(ctx context.Context, s db.Summary) (*memory.Outcome, error)
}

// Config tunes the sweep.
type Config struct {
	KeepSummaries         int
	TurnRetention         time.Duration
	ConversationRetention time.Duration
	IdleTimeout           time.Duration
	Interval              time.Duration
	Concurrency           int
}

func (c *Config) applyDefaults() {
	if c.KeepSummaries <= 0 {
		c.KeepSummaries = DefaultKeepSummaries
	}
	if c.TurnRetention <= 0 {
		c.TurnRetention = DefaultTurnRetention
	}
	if c.ConversationRetention <= 0 {
		c.ConversationRetention = DefaultConversationRetention
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
}

// Report counts what one sweep did.
type Report struct {
	Finalized            int   `json:"finalized"`
	FinalizeFailed       int   `json:"finalize_failed"`
	TurnsDeleted         int64 `json:"turns_deleted"`
	ConversationsDeleted int64 `json:"conversations_deleted"`
	Children             int   `json:"children"`
	Consolidated         int   `json:"consolidated"`
	ConsolidateFailed    int   `json:"consolidate_failed"`
}

// Sweeper runs the retention duties.
type Sweeper struct {
	db        *db.DB
	ender     Ender
	memory    Consolidator
	listing   func(ctx context.Context, childID int64) ([]db.Summary, error)
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
	triggerCh chan struct{}
	running   atomic.Bool
	mu        sync.Mutex // one sweep at a time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Sweeper.
func New(database *db.DB, ender Ender, mem Consolidator, cfg Config, opts ...Option) *Sweeper {
	cfg.applyDefaults()
	s := &Sweeper{
		db:        database,
		ender:     ender,
		memory:    mem,
		listing:   database.ListSummariesOldestFirst,
		cfg:       cfg,
		now:       time.Now,
		logger:    slog.Default(),
		triggerCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger requests an immediate sweep from Run. It returns false if one is
// already pending.
func (s *Sweeper) Trigger() bool {
	select {
	case s.triggerCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// IsRunning reports whether a sweep is in progress.
func (s *Sweeper) IsRunning() bool {
	return s.running.Load()
}

// Run sweeps every interval, and on Trigger, until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.triggerCh:
		case <-timer.C:
		}
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("retention sweep failed", "error", err)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.Interval)
		s.logger.Info("next retention sweep scheduled", "in", s.cfg.Interval.String())
	}
}

// Sweep runs every duty once. A failing duty does not stop the others;
// their errors are joined.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running.Store(true)
	defer s.running.Store(false)

	start := s.now()
	rep := &Report{}
	var errs []error

	s.finalize(ctx, rep)
	if err := s.cleanup(ctx, rep); err != nil {
		errs = append(errs, err)
	}
	if err := s.consolidate(ctx, rep); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("retention sweep complete",
		"finalized", rep.Finalized,
		"finalize_failed", rep.FinalizeFailed,
		"turns_deleted", rep.TurnsDeleted,
		"conversations_deleted", rep.ConversationsDeleted,
		"children", rep.Children,
		"consolidated", rep.Consolidated,
		"consolidate_failed", rep.ConsolidateFailed,
		"duration", s.now().Sub(start).String(),
	)
	return rep, errors.Join(errs...)
}

// finalize ends abandoned conversations: ended ones still holding turns
// and active ones idle past the timeout. Failures wait for the next sweep.
func (s *Sweeper) finalize(ctx context.Context, rep *Report) {
	convs, err := s.db.ListUnfinishedConversations(ctx, s.now().Add(-s.cfg.IdleTimeout))
	if err != nil {
		s.logger.Error("list unfinished conversations", "error", err)
		return
	}
	for _, c := range convs {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.ender.End(ctx, c.ID); err != nil {
			rep.FinalizeFailed++
			s.logger.Warn("finalize conversation", "conversation_id", c.ID, "status", c.Status, "error", err)
			continue
		}
		rep.Finalized++
	}
}

// cleanup deletes expired turns and conversations in one transaction.
func (s *Sweeper) cleanup(ctx context.Context, rep *Report) error {
	now := s.now()
	return s.db.InTx(ctx, func(tx *db.Tx) error {
		var err error
		if rep.TurnsDeleted, err = tx.DeleteExpiredTurns(ctx, now.Add(-s.cfg.TurnRetention)); err != nil {
			return err
		}
		rep.ConversationsDeleted, err = tx.DeleteExpiredConversations(ctx, now.Add(-s.cfg.ConversationRetention))
		return err
	})
}

// consolidate folds all but the newest KeepSummaries summaries of each
// child into memory, oldest first, children in parallel.
func (s *Sweeper) consolidate(ctx context.Context, rep *Report) error {
	children, err := s.db.ChildrenWithSummariesOver(ctx, s.cfg.KeepSummaries)
	if err != nil {
		return err
	}
	rep.Children = len(children)

	// A failing child is logged and the others carry on.
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)
	for _, childID := range children {
		g.Go(func() error {
			done, failed, err := s.consolidateChild(ctx, childID)
			mu.Lock()
			defer mu.Unlock()
			rep.Consolidated += done
			rep.ConsolidateFailed += failed
			if err != nil {
				s.logger.Error("consolidate child", "child_id", childID, "error", err)
				errs = append(errs, fmt.Errorf("consolidate child %d: %w", childID, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Sweeper) consolidateChild(ctx context.Context, childID int64) (done, failed int, err error) {
	list, err := s.listing(ctx, childID)
	if err != nil {
		return 0, 0, err
	}
	if len(list) <= s.cfg.KeepSummaries {
		return 0, 0, nil
	}
	for _, sum := range list[:len(list)-s.cfg.KeepSummaries] {
		if ctx.Err() != nil {
			return done, failed, ctx.Err()
		}
		out, err := s.memory.ConsolidateSummary(ctx, sum)
		if err != nil {
			failed++
			s.logger.Warn("consolidate summary", "child_id", childID, "summary_id", sum.ID, "error", err)
			continue
		}
		if out == nil || !out.AlreadyConsumed {
			done++
		}
	}
	return done, failed, nil
}
