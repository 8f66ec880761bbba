// Package hub fans out live conversation activity to parent subscribers.
package hub

import (
	"sync"
	"time"
)

const (
	defaultBufferCap = 200
	defaultRetain    = 10 * time.Minute
)

// feed holds the activity of one conversation.
type feed struct {
	buf      []string // circular buffer
	pos      int      // next write position
	clients  map[chan string]struct{}
	done     bool
	closedAt time.Time
}

// lines returns the buffered lines from oldest to newest.
func (f *feed) lines() []string {
	n := len(f.buf)
	if n == 0 || f.pos == 0 {
		return f.buf
	}
	out := make([]string, n)
	copy(out, f.buf[f.pos:])
	copy(out[n-f.pos:], f.buf[:f.pos])
	return out
}

func (f *feed) append(line string) {
	if len(f.buf) < cap(f.buf) {
		f.buf = append(f.buf, line)
	} else {
		f.buf[f.pos] = line
	}
	f.pos = (f.pos + 1) % cap(f.buf)
}

// Hub buffers the last lines of each conversation so a parent who opens
// the feed late still sees recent turns before live ones.
type Hub struct {
	mu     sync.Mutex
	feeds  map[int64]*feed
	retain time.Duration
	now    func() time.Time
}

// Option configures a Hub.
type Option func(*Hub)

// WithRetain sets how long a closed feed stays available for replay.
func WithRetain(d time.Duration) Option {
	return func(h *Hub) { h.retain = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// New creates a Hub ready for use.
func New(opts ...Option) *Hub {
	h := &Hub{feeds: make(map[int64]*feed), retain: defaultRetain, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// getOrCreate returns the feed for id. Caller must hold h.mu.
func (h *Hub) getOrCreate(id int64) *feed {
	f, ok := h.feeds[id]
	if !ok {
		f = &feed{
			buf:     make([]string, 0, defaultBufferCap),
			clients: make(map[chan string]struct{}),
		}
		h.feeds[id] = f
	}
	return f
}

// Publish sends a line to every subscriber of the conversation and buffers
// it. Slow subscribers miss lines rather than stall the publisher.
func (h *Hub) Publish(conversationID int64, line string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f := h.getOrCreate(conversationID)
	if f.done {
		return
	}
	f.append(line)
	for ch := range f.clients {
		select {
		case ch <- line:
		default:
		}
	}
}

// Subscribe returns a channel replaying the buffered lines followed by live
// ones, and an unsubscribe function. The channel is closed when the
// conversation's feed closes.
func (h *Hub) Subscribe(conversationID int64) (<-chan string, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f := h.getOrCreate(conversationID)
	ch := make(chan string, defaultBufferCap+64)
	for _, line := range f.lines() {
		ch <- line
	}
	if f.done {
		close(ch)
		return ch, func() {}
	}

	f.clients[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(f.clients, ch)
	}
}

// Close ends a conversation's feed and closes its subscribers. Feeds closed
// longer ago than the retain period are dropped.
func (h *Hub) Close(conversationID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if f, ok := h.feeds[conversationID]; ok && !f.done {
		f.done = true
		f.closedAt = now
		for ch := range f.clients {
			close(ch)
		}
		f.clients = nil
	}
	for id, f := range h.feeds {
		if f.done && now.Sub(f.closedAt) > h.retain {
			delete(h.feeds, id)
		}
	}
}

// IsActive reports whether the conversation has an open feed.
func (h *Hub) IsActive(conversationID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, ok := h.feeds[conversationID]
	return ok && !f.done
}

// Len returns the number of feeds held, open or closed.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.feeds)
}
