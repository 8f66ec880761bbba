package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func insertTestChild(t *testing.T, d *DB) int64 {
	t.Helper()
	age := 8
	id, err := d.InsertChild(context.Background(), "Ada", &age)
	if err != nil {
		t.Fatalf("InsertChild: %v", err)
	}
	return id
}

func TestOpenAndMigrate(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	id := insertTestChild(t, d)
	c, err := d.GetChild(ctx, id)
	if err != nil {
		t.Fatalf("GetChild: %v", err)
	}
	if c == nil {
		t.Fatal("expected child, got nil")
	}
	if c.Name != "Ada" || c.Age == nil || *c.Age != 8 {
		t.Fatalf("unexpected child %+v", c)
	}
}

func TestGetChildNotFound(t *testing.T) {
	d := openTestDB(t)

	c, err := d.GetChild(context.Background(), 9999)
	if err != nil {
		t.Fatalf("GetChild: %v", err)
	}
	if c != nil {
		t.Fatalf("expected nil for non-existent child, got %+v", c)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	// Open and close twice; goose must not re-apply anything.
	d1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	d1.Close()

	d2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	d2.Close()
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := OpenDriver(context.Background(), "oracle", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestChildSettingsUpsert(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	id := insertTestChild(t, d)

	s, err := d.GetChildSettings(ctx, id)
	if err != nil {
		t.Fatalf("GetChildSettings: %v", err)
	}
	if s != nil {
		t.Fatalf("expected no settings row, got %+v", s)
	}

	want := ChildSettings{ChildID: id, MessageLimit: 100, AllowedStart: "08:00", AllowedEnd: "20:00", BlockPersonalInfo: true}
	if err := d.UpsertChildSettings(ctx, want); err != nil {
		t.Fatalf("UpsertChildSettings: %v", err)
	}
	want.MessageLimit = 200
	if err := d.UpsertChildSettings(ctx, want); err != nil {
		t.Fatalf("UpsertChildSettings (update): %v", err)
	}

	got, err := d.GetChildSettings(ctx, id)
	if err != nil {
		t.Fatalf("GetChildSettings: %v", err)
	}
	if got == nil || *got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestMessagesUsedCounter(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	id := insertTestChild(t, d)

	for i := 0; i < 3; i++ {
		if err := d.IncrementMessagesUsed(ctx, id); err != nil {
			t.Fatalf("IncrementMessagesUsed: %v", err)
		}
	}
	c, _ := d.GetChild(ctx, id)
	if c.MessagesUsed != 3 {
		t.Fatalf("expected 3 messages used, got %d", c.MessagesUsed)
	}

	if err := d.IncrementMessagesUsed(ctx, 9999); err == nil {
		t.Fatal("expected error incrementing unknown child")
	}

	if ok, err := d.IncrementMessagesUsedBelow(ctx, id, 4); err != nil || !ok {
		t.Fatalf("IncrementMessagesUsedBelow under limit: ok=%v err=%v", ok, err)
	}
	if ok, err := d.IncrementMessagesUsedBelow(ctx, id, 4); err != nil || ok {
		t.Fatalf("IncrementMessagesUsedBelow at limit: ok=%v err=%v", ok, err)
	}
	c, _ = d.GetChild(ctx, id)
	if c.MessagesUsed != 4 {
		t.Fatalf("expected the counter to stop at 4, got %d", c.MessagesUsed)
	}

	ok, err := d.ResetMessagesUsed(ctx, id)
	if err != nil || !ok {
		t.Fatalf("ResetMessagesUsed: ok=%v err=%v", ok, err)
	}
	c, _ = d.GetChild(ctx, id)
	if c.MessagesUsed != 0 {
		t.Fatalf("expected reset counter, got %d", c.MessagesUsed)
	}
}

func TestSingleActiveIndex(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	child := insertTestChild(t, d)

	if _, err := d.InsertConversation(ctx, child, time.Now()); err != nil {
		t.Fatalf("InsertConversation: %v", err)
	}
	if _, err := d.InsertConversation(ctx, child, time.Now()); err == nil {
		t.Fatal("expected unique violation for a second active conversation")
	}
}

func TestConversationTransitions(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	child := insertTestChild(t, d)
	now := time.Now()

	id, err := d.InsertConversation(ctx, child, now)
	if err != nil {
		t.Fatalf("InsertConversation: %v", err)
	}

	// summarized requires ended first
	ok, err := d.MarkConversationSummarized(ctx, id, now)
	if err != nil || ok {
		t.Fatalf("expected no transition from active to summarized, ok=%v err=%v", ok, err)
	}

	ok, err = d.AdvanceMessageCount(ctx, id, 0, 2, now)
	if err != nil || !ok {
		t.Fatalf("AdvanceMessageCount: ok=%v err=%v", ok, err)
	}
	ok, _ = d.AdvanceMessageCount(ctx, id, 0, 1, now)
	if ok {
		t.Fatal("stale expected count must not advance")
	}

	if ok, _ := d.MarkConversationEnded(ctx, id, now); !ok {
		t.Fatal("expected active -> ended")
	}
	if ok, _ := d.AdvanceMessageCount(ctx, id, 2, 1, now); ok {
		t.Fatal("ended conversation must not accept turns")
	}
	if ok, _ := d.MarkConversationSummarized(ctx, id, now); !ok {
		t.Fatal("expected ended -> summarized")
	}

	c, err := d.GetConversation(ctx, id)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if c.Status != StatusSummarized || c.MessageCount != 2 || c.EndTime == nil {
		t.Fatalf("unexpected conversation %+v", c)
	}
}

func TestMessageOrdering(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	child := insertTestChild(t, d)
	conv, _ := d.InsertConversation(ctx, child, time.Now())

	// Identical timestamps fall back to insertion order.
	ts := time.Now()
	for _, text := range []string{"A", "B", "C", "D"} {
		if _, err := d.InsertMessage(ctx, &Message{ConversationID: conv, ChildID: child, Role: RoleUser, Content: text, CreatedAt: ts}); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}

	all, err := d.ListMessages(ctx, conv, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	var got string
	for _, m := range all {
		got += m.Content
	}
	if got != "ABCD" {
		t.Fatalf("expected ABCD, got %q", got)
	}

	last, err := d.ListMessages(ctx, conv, 2)
	if err != nil {
		t.Fatalf("ListMessages(limit): %v", err)
	}
	if len(last) != 2 || last[0].Content != "C" || last[1].Content != "D" {
		t.Fatalf("expected last two oldest-first [C D], got %+v", last)
	}
}

func TestSummaryListingSurvivesConversation(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	child := insertTestChild(t, d)
	now := time.Now()
	conv, _ := d.InsertConversation(ctx, child, now.Add(-time.Hour))

	if _, err := d.InsertSummary(ctx, &Summary{ChildID: child, ConversationID: &conv, Kind: SummaryFinal, Text: "report", CreatedAt: now}); err != nil {
		t.Fatalf("InsertSummary: %v", err)
	}
	list, err := d.ListSummaries(ctx, child, 10)
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	if len(list) != 1 || list[0].StartTime == nil {
		t.Fatalf("expected one listing with a start time, got %+v", list)
	}

	d.MarkConversationEnded(ctx, conv, now.Add(-10*24*time.Hour))
	d.MarkConversationSummarized(ctx, conv, now.Add(-10*24*time.Hour))
	if n, err := d.DeleteExpiredConversations(ctx, now.Add(-7*24*time.Hour)); err != nil || n != 1 {
		t.Fatalf("DeleteExpiredConversations: n=%d err=%v", n, err)
	}

	list, err = d.ListSummaries(ctx, child, 10)
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	if len(list) != 1 || list[0].ConversationID != nil || list[0].StartTime != nil {
		t.Fatalf("expected orphaned summary with no conversation, got %+v", list)
	}
}

func TestTopicRoundTripAndDelete(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	child := insertTestChild(t, d)
	now := time.Now()

	topic := &Topic{
		ChildID:  child,
		Category: "interest",
		Label:    "Dinosaurs",
		Details: TopicDetails{
			EngagementLevel: "initial",
			SubTopics:       []string{"t-rex"},
			KnowledgeBits:   []KnowledgeBit{{Fact: "T-rex had tiny arms", LearnedAt: now}},
		},
		EngagementCount: 1,
		FirstSeen:       now,
		LastSeen:        now,
	}
	id, err := d.InsertTopic(ctx, topic)
	if err != nil {
		t.Fatalf("InsertTopic: %v", err)
	}

	dup := *topic
	dup.Label = "dinosaurs"
	if _, err := d.InsertTopic(ctx, &dup); err == nil {
		t.Fatal("expected case-insensitive uniqueness per child")
	}

	topics, err := d.ListTopics(ctx, child)
	if err != nil {
		t.Fatalf("ListTopics: %v", err)
	}
	if len(topics) != 1 || topics[0].ID != id || topics[0].Details.KnowledgeBits[0].Fact != "T-rex had tiny arms" {
		t.Fatalf("unexpected topics %+v", topics)
	}

	ok, err := d.DeleteTopic(ctx, child, "DINOSAURS")
	if err != nil || !ok {
		t.Fatalf("DeleteTopic: ok=%v err=%v", ok, err)
	}
	ok, _ = d.DeleteTopic(ctx, child, "dinosaurs")
	if ok {
		t.Fatal("second delete should report not found")
	}
}

func TestInTxRollback(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	child := insertTestChild(t, d)

	boom := errors.New("boom")
	err := d.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertConversation(ctx, child, time.Now()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	n, _ := d.CountActiveConversations(ctx, child)
	if n != 0 {
		t.Fatalf("expected rollback to leave no conversation, got %d", n)
	}
}

func TestDeleteChildCascades(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	child := insertTestChild(t, d)
	now := time.Now()
	conv, _ := d.InsertConversation(ctx, child, now)
	d.InsertMessage(ctx, &Message{ConversationID: conv, ChildID: child, Role: RoleUser, Content: "hi", CreatedAt: now})
	d.InsertTopic(ctx, &Topic{ChildID: child, Category: "interest", Label: "space", EngagementCount: 1, FirstSeen: now, LastSeen: now})

	if err := d.DeleteChild(ctx, child); err != nil {
		t.Fatalf("DeleteChild: %v", err)
	}
	if n, _ := d.CountMessages(ctx, conv); n != 0 {
		t.Fatalf("expected messages to cascade, got %d", n)
	}
	if topics, _ := d.ListTopics(ctx, child); len(topics) != 0 {
		t.Fatalf("expected topics to cascade, got %d", len(topics))
	}
}
