// Package quota enforces a child's daily message allowance and allowed
// time-of-day window. It only reads; usage is incremented by the turn
// recorder inside the transaction that stores the assistant's reply.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/klioai/klio/internal/db"
	"github.com/klioai/klio/internal/failure"
)

// Unlimited is the sentinel limit that always allows.
const Unlimited = 999999

// Tiers are the configurable daily limits, most conservative first.
var Tiers = []int{50, 100, 200, Unlimited}

// DefaultLimit applies when a child has no settings.
const DefaultLimit = 50

// Default allowed window.
const (
	DefaultAllowedStart = "09:00"
	DefaultAllowedEnd   = "21:00"
)

// nearLimitThreshold marks a snapshot as close to the limit.
const nearLimitThreshold = 5

// Store is the slice of the database the guard needs.
type Store interface {
	GetChild(ctx context.Context, id int64) (*db.Child, error)
	GetChildSettings(ctx context.Context, childID int64) (*db.ChildSettings, error)
	ResetMessagesUsed(ctx context.Context, childID int64) (bool, error)
	ResetAllMessagesUsed(ctx context.Context) (int64, error)
}

// Snapshot is a child's usage at one point in time.
type Snapshot struct {
	Allowed   bool `json:"allowed"`
	Used      int  `json:"used"`
	Limit     int  `json:"limit"`
	Remaining int  `json:"remaining"`
	NearLimit bool `json:"near_limit"`
}

// Failure converts the snapshot for attachment to a policy failure.
func (s Snapshot) Failure() failure.Quota {
	return failure.Quota{Allowed: s.Allowed, Used: s.Used, Limit: s.Limit}
}

// Evaluate computes a snapshot from a usage counter and limit.
func Evaluate(used, limit int) Snapshot {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit == Unlimited {
		return Snapshot{Allowed: true, Used: used, Limit: limit, Remaining: Unlimited}
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		Allowed:   used < limit,
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
		NearLimit: remaining <= nearLimitThreshold,
	}
}

// ParseLimit accepts "50", "100", "200" or "unlimited".
func ParseLimit(s string) (int, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "unlimited" {
		return Unlimited, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid message limit %q", s)
	}
	for _, tier := range Tiers {
		if n == tier {
			return n, nil
		}
	}
	return 0, fmt.Errorf("message limit must be one of 50, 100, 200 or unlimited, got %d", n)
}

// LimitFor returns the daily limit configured by settings. Missing settings
// or an unset limit fall back to DefaultLimit.
func LimitFor(settings *db.ChildSettings) int {
	if settings == nil || settings.MessageLimit <= 0 {
		return DefaultLimit
	}
	return settings.MessageLimit
}

// Guard answers whether a child may send another message.
type Guard struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a Guard.
func New(store Store, logger *slog.Logger, opts ...Option) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{store: store, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CanSendMessage reports the child's allowance. Missing settings fall back
// to DefaultLimit.
func (g *Guard) CanSendMessage(ctx context.Context, childID int64) (Snapshot, error) {
	child, err := g.store.GetChild(ctx, childID)
	if err != nil {
		return Snapshot{}, failure.Storage(err, "load child")
	}
	if child == nil {
		return Snapshot{}, failure.NotFound("child %d not found", childID)
	}
	settings, err := g.store.GetChildSettings(ctx, childID)
	if err != nil {
		return Snapshot{}, failure.Storage(err, "load child settings")
	}
	return Evaluate(child.MessagesUsed, LimitFor(settings)), nil
}

// WithinAllowedHours reports whether now falls inside the child's allowed
// window [start, end). The end minute itself is outside the window. Windows
// whose start is after their end span midnight; equal bounds allow the
// whole day.
func (g *Guard) WithinAllowedHours(ctx context.Context, childID int64) (bool, error) {
	settings, err := g.store.GetChildSettings(ctx, childID)
	if err != nil {
		return false, failure.Storage(err, "load child settings")
	}
	start, end := DefaultAllowedStart, DefaultAllowedEnd
	if settings != nil {
		start, end = settings.AllowedStart, settings.AllowedEnd
	}
	startMin, err1 := parseClock(start)
	endMin, err2 := parseClock(end)
	if err1 != nil || err2 != nil {
		g.logger.Warn("invalid allowed hours, using defaults", "child_id", childID, "start", start, "end", end)
		startMin, _ = parseClock(DefaultAllowedStart)
		endMin, _ = parseClock(DefaultAllowedEnd)
	}
	now := g.now()
	return inWindow(now.Hour()*60+now.Minute(), startMin, endMin), nil
}

// Check combines the allowance and the allowed hours. A rejection is a
// policy failure carrying the snapshot.
func (g *Guard) Check(ctx context.Context, childID int64) (Snapshot, error) {
	snap, err := g.CanSendMessage(ctx, childID)
	if err != nil {
		return Snapshot{}, err
	}
	if !snap.Allowed {
		return snap, failure.Policy(snap.Failure(), "daily message limit reached")
	}
	ok, err := g.WithinAllowedHours(ctx, childID)
	if err != nil {
		return snap, err
	}
	if !ok {
		return snap, failure.Policy(snap.Failure(), "chatting is not allowed at this time")
	}
	return snap, nil
}

// Reset zeroes one child's usage counter.
func (g *Guard) Reset(ctx context.Context, childID int64) error {
	ok, err := g.store.ResetMessagesUsed(ctx, childID)
	if err != nil {
		return failure.Storage(err, "reset usage")
	}
	if !ok {
		return failure.NotFound("child %d not found", childID)
	}
	g.logger.Info("usage reset", "child_id", childID)
	return nil
}

// ResetAll zeroes every child's usage counter. It is the daily reset the
// scheduler invokes.
func (g *Guard) ResetAll(ctx context.Context) (int64, error) {
	n, err := g.store.ResetAllMessagesUsed(ctx)
	if err != nil {
		return 0, failure.Storage(err, "reset usage")
	}
	g.logger.Info("daily usage reset", "children", n)
	return n, nil
}

// parseClock parses HH:MM or HH:MM:SS into minutes after midnight.
func parseClock(s string) (int, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.Hour()*60 + t.Minute(), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

func inWindow(minute, start, end int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return minute >= start && minute < end
	default:
		return minute >= start || minute < end
	}
}
