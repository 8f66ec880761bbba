package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/klioai/klio/internal/failure"
)

// --- JSON Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writeJSON: encode error", "error", err)
	}
}

// statusFor maps a failure kind onto an HTTP status.
func statusFor(kind failure.Kind) int {
	switch kind {
	case failure.KindValidation:
		return http.StatusBadRequest
	case failure.KindPolicy:
		return http.StatusForbidden
	case failure.KindNotFound:
		return http.StatusNotFound
	case failure.KindConflict:
		return http.StatusConflict
	case failure.KindUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) failureBody(r *http.Request, err error) APIErrorResponse {
	kind := failure.KindOf(err)
	if kind == failure.KindStorage || kind == failure.KindUpstream {
		s.logger.Error("request failed", "request_id", requestID(r), "path", r.URL.Path, "kind", kind, "error", err)
	}
	return APIErrorResponse{
		Message: failure.Message(err),
		Kind:    string(kind),
		Quota:   failure.QuotaOf(err),
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, statusFor(failure.KindOf(err)), s.failureBody(r, err))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, APIErrorResponse{Message: message})
}

// requireJSON checks the Content-Type header and returns false (with a 415 response) if it is not application/json.
func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(ct, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	return true
}

// parseLimit extracts the limit query param. Absent means 0, which lets
// the service apply its default.
func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 0 {
		return 0, failure.Validation("limit must be a non-negative integer")
	}
	return limit, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, failure.Validation("invalid %s id", name)
	}
	return id, nil
}

// conversationPath reads the child and conversation ids of a route.
func conversationPath(r *http.Request) (child, conv int64, err error) {
	if child, err = pathID(r, "child"); err != nil {
		return 0, 0, err
	}
	if conv, err = pathID(r, "id"); err != nil {
		return 0, 0, err
	}
	return child, conv, nil
}

func decodeMessage(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !requireJSON(w, r) {
		return "", false
	}
	var req APISendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return "", false
	}
	return req.Message, true
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": "ok"})
}

func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	child, err := pathID(r, "child")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	conv, err := s.svc.StartConversation(r.Context(), child)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, APIConversationResponse{Success: true, Conversation: toAPIConversation(conv)})
}

func (s *Server) handleActiveConversation(w http.ResponseWriter, r *http.Request) {
	child, err := pathID(r, "child")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	conv, err := s.svc.ActiveConversation(r.Context(), child)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIConversationResponse{Success: true, Conversation: toAPIConversation(conv)})
}

func (s *Server) handleEndConversation(w http.ResponseWriter, r *http.Request) {
	child, id, err := conversationPath(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	res, err := s.svc.EndConversation(r.Context(), child, id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIConversationResponse{
		Success:      true,
		Conversation: toAPIConversation(res.Conversation),
		Summary:      toAPISummary(res.Summary),
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	child, id, err := conversationPath(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	text, ok := decodeMessage(w, r)
	if !ok {
		return
	}
	reply, err := s.svc.SendMessage(r.Context(), child, id, text, nil)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIReplyResponse{Success: true, Reply: reply})
}

// handleSendMessageStream streams the reply as SSE chunk events followed by
// a done event carrying the full reply. Failures before the first chunk are
// plain JSON errors; later ones arrive as an error event.
func (s *Server) handleSendMessageStream(w http.ResponseWriter, r *http.Request) {
	child, id, err := conversationPath(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	text, ok := decodeMessage(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	streamID := uuid.NewString()
	started := false
	start := func() {
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		_ = sendEvent(w, flusher, "start", map[string]string{"stream_id": streamID})
	}

	reply, err := s.svc.SendMessage(r.Context(), child, id, text, func(chunk string) error {
		if !started {
			start()
		}
		return sendEvent(w, flusher, "chunk", map[string]string{"text": chunk})
	})
	if err != nil {
		if !started {
			s.writeFailure(w, r, err)
			return
		}
		_ = sendEvent(w, flusher, "error", s.failureBody(r, err))
		return
	}
	if !started {
		start()
	}
	_ = sendEvent(w, flusher, "done", APIReplyResponse{Success: true, Reply: reply})
}

func sendEvent(w http.ResponseWriter, flusher http.Flusher, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleActivity replays and then follows a conversation's activity feed.
// The stream ends with a done event once the conversation is summarized.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	child, id, err := conversationPath(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if s.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "activity feed not enabled")
		return
	}
	if _, err := s.svc.Conversation(r.Context(), child, id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, unsubscribe := s.feed.Subscribe(id)
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-ch:
			if !ok {
				_, _ = fmt.Fprintf(w, "event: done\ndata: {\"conversation_id\":%d}\n\n", id)
				flusher.Flush()
				return
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	child, err := pathID(r, "child")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	list, err := s.svc.Summaries(r.Context(), child, limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APISummariesResponse{Success: true, Summaries: list})
}

func (s *Server) handleMemoryGraph(w http.ResponseWriter, r *http.Request) {
	child, err := pathID(r, "child")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIMemoryResponse{Success: true, Graph: s.svc.MemoryGraph(r.Context(), child)})
}

func (s *Server) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	child, err := pathID(r, "child")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if err := s.svc.DeleteMemoryTopic(r.Context(), child, r.PathValue("topic")); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "topic deleted"})
}

func (s *Server) handleLearningPatterns(w http.ResponseWriter, r *http.Request) {
	child, err := pathID(r, "child")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIPatternsResponse{Success: true, Patterns: s.svc.LearningPatterns(r.Context(), child)})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	child, err := pathID(r, "child")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	snap, err := s.svc.Quota(r.Context(), child)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIQuotaResponse{Success: true, Quota: snap})
}

func (s *Server) handleResetQuota(w http.ResponseWriter, r *http.Request) {
	child, err := pathID(r, "child")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if err := s.svc.ResetQuota(r.Context(), child); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	snap, err := s.svc.Quota(r.Context(), child)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIQuotaResponse{Success: true, Quota: snap})
}

func (s *Server) handleResetAllQuotas(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.ResetAllQuotas(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "children": n})
}

func (s *Server) handleTriggerSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "sweeper not enabled")
		return
	}
	if s.sweeper.IsRunning() || !s.sweeper.Trigger() {
		writeJSON(w, http.StatusConflict, APIErrorResponse{Message: "a sweep is already running or pending", Kind: string(failure.KindConflict)})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "message": "sweep triggered"})
}
