package retention

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klioai/klio/internal/conversation"
	"github.com/klioai/klio/internal/db"
	"github.com/klioai/klio/internal/memory"
	"github.com/klioai/klio/internal/summary"
)

type stubSummarizer struct{}

func (stubSummarizer) Summarize(context.Context, []db.Message, summary.Profile) (summary.Report, error) {
	return summary.Report{Topics: []string{"trains"}, Engagement: summary.EngagementMedium}, nil
}

type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, text string) memory.Insights {
	return memory.Insights{Topics: []string{"trains"}, KnowledgeBits: map[string]string{"trains": text}}
}

// failingConsolidator fails for one summary id and delegates the rest.
type failingConsolidator struct {
	next   Consolidator
	failID int64
}

func (f failingConsolidator) ConsolidateSummary(ctx context.Context, s db.Summary) (*memory.Outcome, error) {
	if s.ID == f.failID {
		return nil, errors.New("boom")
	}
	return f.next.ConsolidateSummary(ctx, s)
}

type env struct {
	db    *db.DB
	store *conversation.Store
	mem   *memory.Consolidator
	child int64
	now   time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	child, err := d.InsertChild(context.Background(), "Leo", nil)
	if err != nil {
		t.Fatalf("insert child: %v", err)
	}
	return &env{
		db:    d,
		store: conversation.NewStore(d, stubSummarizer{}),
		mem:   memory.New(d, stubExtractor{}),
		child: child,
		now:   time.Now().UTC(),
	}
}

func (e *env) sweeper(mem Consolidator) *Sweeper {
	return New(e.db, e.store, mem, Config{}, WithClock(func() time.Time { return e.now }))
}

func (e *env) conversation(t *testing.T, started time.Time, turns int) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := e.db.InsertConversation(ctx, e.child, started)
	if err != nil {
		t.Fatalf("InsertConversation: %v", err)
	}
	for i := 0; i < turns; i++ {
		if _, err := e.db.InsertMessage(ctx, &db.Message{ConversationID: id, ChildID: e.child, Role: db.RoleUser, Content: "choo choo", CreatedAt: started}); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}
	if turns > 0 {
		if ok, err := e.db.AdvanceMessageCount(ctx, id, 0, turns, started); err != nil || !ok {
			t.Fatalf("AdvanceMessageCount: ok=%v err=%v", ok, err)
		}
	}
	return id
}

func TestSweepKeepsNewestSummaries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 12; i++ {
		id, err := e.db.InsertSummary(ctx, &db.Summary{
			ChildID:   e.child,
			Kind:      db.SummaryFinal,
			Text:      "summary",
			CreatedAt: e.now.Add(time.Duration(i-12) * time.Hour),
		})
		if err != nil {
			t.Fatalf("InsertSummary: %v", err)
		}
		ids = append(ids, id)
	}

	rep, err := e.sweeper(e.mem).Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Children != 1 || rep.Consolidated != 7 {
		t.Fatalf("unexpected report %+v", rep)
	}

	left, err := e.db.ListSummariesOldestFirst(ctx, e.child)
	if err != nil {
		t.Fatalf("ListSummariesOldestFirst: %v", err)
	}
	if len(left) != 5 {
		t.Fatalf("expected 5 summaries kept, got %d", len(left))
	}
	for i, s := range left {
		if s.ID != ids[7+i] {
			t.Fatalf("expected the newest summaries kept, got id %d at %d", s.ID, i)
		}
	}

	topics, _ := e.db.ListTopics(ctx, e.child)
	if len(topics) != 1 || topics[0].EngagementCount != 7 {
		t.Fatalf("expected one topic consolidated 7 times, got %+v", topics)
	}

	// a second sweep has nothing left to do
	rep, err = e.sweeper(e.mem).Sweep(ctx)
	if err != nil || rep.Consolidated != 0 {
		t.Fatalf("second sweep: %+v err=%v", rep, err)
	}
}

func TestSweepSkipsFailingSummary(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var first int64
	for i := 0; i < 7; i++ {
		id, _ := e.db.InsertSummary(ctx, &db.Summary{ChildID: e.child, Kind: db.SummaryFinal, Text: "s", CreatedAt: e.now.Add(time.Duration(i-7) * time.Hour)})
		if i == 0 {
			first = id
		}
	}

	rep, err := e.sweeper(failingConsolidator{next: e.mem, failID: first}).Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Consolidated != 1 || rep.ConsolidateFailed != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if n, _ := e.db.CountSummaries(ctx, e.child); n != 6 {
		t.Fatalf("failed summary must be kept, %d summaries left", n)
	}
}

func TestSweepConsolidatesOtherChildrenWhenOneFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	other, err := e.db.InsertChild(ctx, "Ivy", nil)
	if err != nil {
		t.Fatalf("InsertChild: %v", err)
	}
	for _, child := range []int64{e.child, other} {
		for i := 0; i < 7; i++ {
			if _, err := e.db.InsertSummary(ctx, &db.Summary{ChildID: child, Kind: db.SummaryFinal, Text: "s", CreatedAt: e.now.Add(time.Duration(i-7) * time.Hour)}); err != nil {
				t.Fatalf("InsertSummary: %v", err)
			}
		}
	}

	sw := e.sweeper(e.mem)
	sw.cfg.Concurrency = 1
	sw.listing = func(ctx context.Context, childID int64) ([]db.Summary, error) {
		if childID == e.child {
			return nil, errors.New("disk I/O error")
		}
		return e.db.ListSummariesOldestFirst(ctx, childID)
	}

	rep, err := sw.Sweep(ctx)
	if err == nil || !strings.Contains(err.Error(), "disk I/O error") {
		t.Fatalf("expected the listing error to be reported, got %v", err)
	}
	if rep.Consolidated != 2 || rep.ConsolidateFailed != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if n, _ := e.db.CountSummaries(ctx, other); n != DefaultKeepSummaries {
		t.Fatalf("healthy child should keep %d summaries, has %d", DefaultKeepSummaries, n)
	}
	if n, _ := e.db.CountSummaries(ctx, e.child); n != 7 {
		t.Fatalf("failing child's summaries must be untouched, has %d", n)
	}
}

func TestSweepSkipsAlreadyConsumedSummary(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var oldest db.Summary
	for i := 0; i < 6; i++ {
		s := &db.Summary{ChildID: e.child, Kind: db.SummaryFinal, Text: "s", CreatedAt: e.now.Add(time.Duration(i-6) * time.Hour)}
		id, err := e.db.InsertSummary(ctx, s)
		if err != nil {
			t.Fatalf("InsertSummary: %v", err)
		}
		if i == 0 {
			oldest = *s
			oldest.ID = id
		}
	}
	// another worker folds the oldest summary in between listing and consuming
	racing := consumeFirst{next: e.mem, summary: oldest}

	rep, err := e.sweeper(racing).Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Consolidated != 0 || rep.ConsolidateFailed != 0 {
		t.Fatalf("an already-consumed summary is neither done nor failed, got %+v", rep)
	}
	list, _ := e.db.ListTopics(ctx, e.child)
	if len(list) != 1 || list[0].EngagementCount != 1 {
		t.Fatalf("expected the summary applied once, got %+v", list)
	}
}

// consumeFirst consolidates summary through next before handing on the
// sweeper's own call.
type consumeFirst struct {
	next    Consolidator
	summary db.Summary
}

func (c consumeFirst) ConsolidateSummary(ctx context.Context, s db.Summary) (*memory.Outcome, error) {
	if s.ID == c.summary.ID {
		if _, err := c.next.ConsolidateSummary(ctx, c.summary); err != nil {
			return nil, err
		}
	}
	return c.next.ConsolidateSummary(ctx, s)
}

func TestSweepFinalizesAbandonedConversations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	ended := e.conversation(t, e.now.Add(-time.Hour), 1)
	if _, err := e.db.MarkConversationEnded(ctx, ended, e.now); err != nil {
		t.Fatalf("MarkConversationEnded: %v", err)
	}
	idle := e.conversation(t, e.now.Add(-3*time.Hour), 2)

	other, _ := e.db.InsertChild(ctx, "Ivy", nil)
	fresh, _ := e.db.InsertConversation(ctx, other, e.now.Add(-10*time.Minute))

	rep, err := e.sweeper(e.mem).Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Finalized != 2 || rep.FinalizeFailed != 0 {
		t.Fatalf("expected 2 finalized conversations, got %+v", rep)
	}
	for _, id := range []int64{idle, ended} {
		c, _ := e.db.GetConversation(ctx, id)
		if c.Status != db.StatusSummarized {
			t.Fatalf("conversation %d: expected summarized, got %s", id, c.Status)
		}
		if n, _ := e.db.CountMessages(ctx, id); n != 0 {
			t.Fatalf("conversation %d: expected turns deleted, got %d", id, n)
		}
	}
	if c, _ := e.db.GetConversation(ctx, fresh); c.Status != db.StatusActive {
		t.Fatalf("recent conversation must stay active, got %s", c.Status)
	}
}

func TestSweepCleanup(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// summarized two days ago, still holding a turn
	stale := e.conversation(t, e.now.Add(-49*time.Hour), 1)
	e.db.MarkConversationEnded(ctx, stale, e.now.Add(-48*time.Hour))
	e.db.MarkConversationSummarized(ctx, stale, e.now.Add(-48*time.Hour))

	// summarized ten days ago
	old := e.conversation(t, e.now.Add(-241*time.Hour), 0)
	e.db.MarkConversationEnded(ctx, old, e.now.Add(-240*time.Hour))
	e.db.MarkConversationSummarized(ctx, old, e.now.Add(-240*time.Hour))
	if _, err := e.db.InsertSummary(ctx, &db.Summary{ChildID: e.child, ConversationID: &old, Kind: db.SummaryFinal, Text: "kept", CreatedAt: e.now.Add(-240 * time.Hour)}); err != nil {
		t.Fatalf("InsertSummary: %v", err)
	}

	// live conversation with turns
	live := e.conversation(t, e.now.Add(-time.Minute), 3)

	rep, err := e.sweeper(e.mem).Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.TurnsDeleted != 1 || rep.ConversationsDeleted != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if c, _ := e.db.GetConversation(ctx, old); c != nil {
		t.Fatalf("expected old conversation deleted, got %+v", c)
	}
	if c, _ := e.db.GetConversation(ctx, stale); c == nil {
		t.Fatal("two-day-old conversation must be kept")
	}
	if n, _ := e.db.CountMessages(ctx, live); n != 3 {
		t.Fatalf("live turns must not be touched, got %d", n)
	}
	if n, _ := e.db.CountSummaries(ctx, e.child); n != 1 {
		t.Fatalf("summary must survive its conversation, got %d", n)
	}
}

func TestRunSweepsOnTrigger(t *testing.T) {
	e := newEnv(t)
	idle := e.conversation(t, e.now.Add(-3*time.Hour), 1)
	s := New(e.db, e.store, e.mem, Config{Interval: time.Hour}, WithClock(func() time.Time { return e.now }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	if !s.Trigger() {
		t.Fatal("expected trigger to be accepted")
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		c, err := e.db.GetConversation(context.Background(), idle)
		if err == nil && c.Status == db.StatusSummarized {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweep did not run after trigger")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
