package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/klioai/klio/internal/db"
	"github.com/klioai/klio/internal/quota"
)

func (e *testEnv) childPath(format string, args ...any) string {
	return fmt.Sprintf("/api/v1/children/%d", e.child) + fmt.Sprintf(format, args...)
}

func (e *testEnv) startConversation(t *testing.T) int64 {
	t.Helper()
	w := e.do(t, "POST", e.childPath("/conversations"), "")
	if w.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[APIConversationResponse](t, w)
	if !resp.Success || resp.Conversation == nil || resp.Conversation.Status != db.StatusActive {
		t.Fatalf("unexpected start response %+v", resp)
	}
	return resp.Conversation.ID
}

// --- Conversations ---

func TestAPIStartAndActiveConversation(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, "GET", e.childPath("/conversations/active"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decode[APIConversationResponse](t, w); resp.Conversation != nil {
		t.Fatalf("expected no active conversation, got %+v", resp.Conversation)
	}

	id := e.startConversation(t)
	resp := decode[APIConversationResponse](t, e.do(t, "GET", e.childPath("/conversations/active"), ""))
	if resp.Conversation == nil || resp.Conversation.ID != id {
		t.Fatalf("expected active conversation %d, got %+v", id, resp.Conversation)
	}
}

func TestAPIStartUnknownChild(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.do(t, "POST", "/api/v1/children/999/conversations", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if resp := decode[APIErrorResponse](t, w); resp.Kind != "not_found" {
		t.Fatalf("unexpected body %+v", resp)
	}
}

func TestAPISendMessage(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.startConversation(t)

	w := e.do(t, "POST", e.childPath("/conversations/%d/messages", id), `{"message": "why are rainbows?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[APIReplyResponse](t, w)
	if !resp.Success || resp.Reply == nil {
		t.Fatalf("unexpected body %+v", resp)
	}
	if resp.Message != "Rainbows are light. Sunlight splits into colours!" {
		t.Fatalf("unexpected reply %q", resp.Message)
	}
	if len(resp.Suggestions) != 3 || resp.ConversationID != id {
		t.Fatalf("unexpected reply %+v", resp.Reply)
	}
	if resp.Quota.Used != 1 || resp.Quota.Remaining != quota.DefaultLimit-1 {
		t.Fatalf("unexpected quota %+v", resp.Quota)
	}
}

func TestAPISendMessageRequiresJSON(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.startConversation(t)

	req := e.childPath("/conversations/%d/messages", id)
	w := e.do(t, "POST", req, "")
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", w.Code)
	}

	w = e.do(t, "POST", req, `{"message":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", w.Code)
	}
}

func TestAPISendMessageValidation(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.startConversation(t)

	w := e.do(t, "POST", e.childPath("/conversations/%d/messages", id), `{"message": "   "}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	resp := decode[APIErrorResponse](t, w)
	if resp.Success || resp.Kind != "validation" || resp.Message == "" {
		t.Fatalf("unexpected body %+v", resp)
	}
}

func TestAPISendMessageOtherChildsConversation(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.startConversation(t)

	w := e.do(t, "POST", fmt.Sprintf("/api/v1/children/%d/conversations/%d/messages", e.child+1, id), `{"message": "hi"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAPISendMessageAtLimit(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	id := e.startConversation(t)
	if err := e.db.UpsertChildSettings(ctx, db.ChildSettings{ChildID: e.child, MessageLimit: 1}); err != nil {
		t.Fatalf("UpsertChildSettings: %v", err)
	}
	if err := e.db.IncrementMessagesUsed(ctx, e.child); err != nil {
		t.Fatalf("IncrementMessagesUsed: %v", err)
	}

	w := e.do(t, "POST", e.childPath("/conversations/%d/messages", id), `{"message": "one more"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[APIErrorResponse](t, w)
	if resp.Kind != "policy" || resp.Quota == nil || resp.Quota.Allowed || resp.Quota.Used != 1 || resp.Quota.Limit != 1 {
		t.Fatalf("expected policy failure with quota, got %+v", resp)
	}
}

func TestAPISendMessageUpstreamFailure(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.startConversation(t)
	e.llm.err = errors.New("overloaded")

	w := e.do(t, "POST", e.childPath("/conversations/%d/messages", id), `{"message": "hello"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if resp := decode[APIErrorResponse](t, w); resp.Kind != "upstream" {
		t.Fatalf("unexpected body %+v", resp)
	}
}

func TestAPISendMessageStream(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.startConversation(t)

	w := e.do(t, "POST", e.childPath("/conversations/%d/messages/stream", id), `{"message": "rainbows?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}
	out := w.Body.String()
	for _, want := range []string{"event: start", "event: chunk", `"text":"Rainbows are light. "`, "event: done", `"success":true`} {
		if !strings.Contains(out, want) {
			t.Fatalf("stream missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "event: chunk") > strings.Index(out, "event: done") {
		t.Fatalf("done must come after the chunks:\n%s", out)
	}
}

func TestAPISendMessageStreamEarlyFailureIsJSON(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.startConversation(t)
	e.llm.err = errors.New("overloaded")

	w := e.do(t, "POST", e.childPath("/conversations/%d/messages/stream", id), `{"message": "rainbows?"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("expected JSON error, got %q", ct)
	}
}

func TestAPIEndConversation(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.startConversation(t)
	e.do(t, "POST", e.childPath("/conversations/%d/messages", id), `{"message": "rainbows?"}`)

	w := e.do(t, "POST", e.childPath("/conversations/%d/end", id), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[APIConversationResponse](t, w)
	if resp.Conversation.Status != db.StatusSummarized || resp.Summary == nil || resp.Summary.Kind != db.SummaryFinal {
		t.Fatalf("unexpected end response %+v", resp)
	}
	if !strings.Contains(resp.Summary.Summary, "rainbows") {
		t.Fatalf("expected summary text, got %q", resp.Summary.Summary)
	}

	// ending again is a no-op
	w = e.do(t, "POST", e.childPath("/conversations/%d/end", id), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat, got %d", w.Code)
	}
	if resp := decode[APIConversationResponse](t, w); resp.Summary != nil {
		t.Fatalf("repeat end must not write a summary, got %+v", resp.Summary)
	}

	w = e.do(t, "POST", e.childPath("/conversations/%d/messages", id), `{"message": "still there?"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 after end, got %d", w.Code)
	}
}

func TestAPIActivityReplaysClosedFeed(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.startConversation(t)
	e.do(t, "POST", e.childPath("/conversations/%d/messages", id), `{"message": "rainbows?"}`)
	e.do(t, "POST", e.childPath("/conversations/%d/end", id), "")

	w := e.do(t, "GET", e.childPath("/conversations/%d/activity", id), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	out := w.Body.String()
	for _, want := range []string{"data: ", "rainbows?", "event: done"} {
		if !strings.Contains(out, want) {
			t.Fatalf("activity missing %q:\n%s", want, out)
		}
	}
}

func TestAPIActivityOtherChild(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.startConversation(t)
	w := e.do(t, "GET", fmt.Sprintf("/api/v1/children/%d/conversations/%d/activity", e.child+1, id), "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// --- Summaries, memory and quota ---

func TestAPISummaries(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.startConversation(t)
	e.do(t, "POST", e.childPath("/conversations/%d/messages", id), `{"message": "rainbows?"}`)
	e.do(t, "POST", e.childPath("/conversations/%d/end", id), "")

	w := e.do(t, "GET", e.childPath("/summaries?limit=5"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[APISummariesResponse](t, w)
	if len(resp.Summaries) != 1 {
		t.Fatalf("expected one summary, got %d", len(resp.Summaries))
	}
	s := resp.Summaries[0]
	if s.MessageCount != 2 || s.Duration == "" || !strings.Contains(s.HTML, "<") {
		t.Fatalf("unexpected summary view %+v", s)
	}

	if w := e.do(t, "GET", e.childPath("/summaries?limit=-1"), ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", w.Code)
	}
}

func TestAPIMemoryGraphEmpty(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.do(t, "GET", e.childPath("/memory"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{`"success":true`, `"main_interests":[]`, `"knowledge_graph":[]`} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %s: %s", want, body)
		}
	}
}

func TestAPIDeleteTopic(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	now := time.Now()
	if _, err := e.db.InsertTopic(ctx, &db.Topic{ChildID: e.child, Category: "interest", Label: "Sea Turtles", EngagementCount: 1, FirstSeen: now, LastSeen: now}); err != nil {
		t.Fatalf("InsertTopic: %v", err)
	}

	w := e.do(t, "DELETE", e.childPath("/memory/sea%%20turtles"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = e.do(t, "DELETE", e.childPath("/memory/sea%%20turtles"), "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", w.Code)
	}
}

func TestAPILearningPatterns(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.do(t, "GET", e.childPath("/patterns"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decode[APIPatternsResponse](t, w); !resp.Success {
		t.Fatalf("unexpected body %+v", resp)
	}
}

func TestAPIQuotaAndReset(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = e.db.IncrementMessagesUsed(ctx, e.child)
	}

	resp := decode[APIQuotaResponse](t, e.do(t, "GET", e.childPath("/quota"), ""))
	if resp.Quota.Used != 3 || !resp.Quota.Allowed {
		t.Fatalf("unexpected quota %+v", resp.Quota)
	}

	w := e.do(t, "POST", e.childPath("/quota/reset"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decode[APIQuotaResponse](t, w); resp.Quota.Used != 0 {
		t.Fatalf("expected reset quota, got %+v", resp.Quota)
	}

	if w := e.do(t, "POST", "/api/v1/children/999/quota/reset", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown child, got %d", w.Code)
	}
}

func TestAPIResetAllQuotas(t *testing.T) {
	e := newTestEnv(t, nil)
	_ = e.db.IncrementMessagesUsed(context.Background(), e.child)

	w := e.do(t, "POST", "/api/v1/quota/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[map[string]any](t, w)
	if resp["success"] != true || resp["children"] != float64(1) {
		t.Fatalf("unexpected body %v", resp)
	}
}
