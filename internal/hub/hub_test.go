package hub

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPublishAndSubscribe(t *testing.T) {
	h := New()
	ch, unsub := h.Subscribe(7)
	defer unsub()

	h.Publish(7, `{"event":"turn","role":"user"}`)
	h.Publish(7, `{"event":"turn","role":"assistant"}`)

	if got := <-ch; got != `{"event":"turn","role":"user"}` {
		t.Fatalf("unexpected first line %q", got)
	}
	if got := <-ch; got != `{"event":"turn","role":"assistant"}` {
		t.Fatalf("unexpected second line %q", got)
	}
}

func TestLateSubscriberReplaysBuffer(t *testing.T) {
	h := New()
	for _, l := range []string{"a", "b", "c"} {
		h.Publish(7, l)
	}

	ch, unsub := h.Subscribe(7)
	defer unsub()
	for _, want := range []string{"a", "b", "c"} {
		if got := <-ch; got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestCloseEndsSubscribers(t *testing.T) {
	h := New()
	ch, _ := h.Subscribe(7)
	h.Publish(7, "before")
	h.Close(7)
	h.Close(7)

	<-ch
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after Close")
	}
	if h.IsActive(7) {
		t.Fatal("expected feed inactive after Close")
	}

	h.Publish(7, "after")
	ch2, _ := h.Subscribe(7)
	var lines []string
	for l := range ch2 {
		lines = append(lines, l)
	}
	if len(lines) != 1 || lines[0] != "before" {
		t.Fatalf("expected replay of the closed feed only, got %v", lines)
	}
}

func TestBufferWrapKeepsNewestInOrder(t *testing.T) {
	h := New()
	total := defaultBufferCap + 50
	for i := 0; i < total; i++ {
		h.Publish(7, fmt.Sprintf("line-%d", i))
	}

	ch, unsub := h.Subscribe(7)
	defer unsub()
	h.Close(7)

	var got []string
	for l := range ch {
		got = append(got, l)
	}
	if len(got) != defaultBufferCap {
		t.Fatalf("expected %d lines, got %d", defaultBufferCap, len(got))
	}
	if want := fmt.Sprintf("line-%d", total-defaultBufferCap); got[0] != want {
		t.Fatalf("expected oldest %q, got %q", want, got[0])
	}
	if want := fmt.Sprintf("line-%d", total-1); got[len(got)-1] != want {
		t.Fatalf("expected newest %q, got %q", want, got[len(got)-1])
	}
}

func TestFeedsAreIndependent(t *testing.T) {
	h := New()
	ch1, unsub1 := h.Subscribe(1)
	ch2, unsub2 := h.Subscribe(2)
	defer unsub1()
	defer unsub2()

	h.Publish(1, "one")
	h.Publish(2, "two")
	if got := <-ch1; got != "one" {
		t.Fatalf("feed 1: got %q", got)
	}
	if got := <-ch2; got != "two" {
		t.Fatalf("feed 2: got %q", got)
	}

	h.Close(1)
	h.Publish(2, "still-open")
	if got := <-ch2; got != "still-open" {
		t.Fatalf("feed 2: got %q", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	h := New()
	ch, unsub := h.Subscribe(7)
	unsub()

	h.Publish(7, "after-unsub")
	select {
	case <-ch:
		t.Fatal("expected no line after unsubscribe")
	default:
	}
}

func TestConcurrentPublish(t *testing.T) {
	h := New()
	ch, unsub := h.Subscribe(7)
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Publish(7, "turn")
		}()
	}
	wg.Wait()
	for i := 0; i < 100; i++ {
		<-ch
	}
}

func TestClosedFeedsExpire(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	h := New(WithRetain(time.Minute), WithClock(func() time.Time { return now }))

	h.Publish(1, "x")
	h.Close(1)
	h.Publish(2, "y")
	if h.Len() != 2 {
		t.Fatalf("expected 2 feeds, got %d", h.Len())
	}

	now = now.Add(2 * time.Minute)
	h.Close(2)
	if h.Len() != 1 {
		t.Fatalf("expected the expired feed dropped, got %d feeds", h.Len())
	}
	if h.IsActive(2) {
		t.Fatal("feed 2 should be closed")
	}
}
