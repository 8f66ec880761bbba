// Package web serves the klio JSON API: conversations, live replies,
// parent-facing summaries and memory, quota, and an SSE activity feed.
package web

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/klioai/klio/api"
	"github.com/klioai/klio/internal/chat"
	"github.com/klioai/klio/internal/config"
)

// ActivityFeed is the interface the web server uses to subscribe to
// conversation activity.
type ActivityFeed interface {
	Subscribe(conversationID int64) (<-chan string, func())
}

// SweepTrigger requests an out-of-band retention sweep.
type SweepTrigger interface {
	Trigger() bool
	IsRunning() bool
}

// ServerOption configures optional Server features.
type ServerOption func(*Server)

// WithActivityFeed enables the SSE activity endpoint.
func WithActivityFeed(f ActivityFeed) ServerOption {
	return func(s *Server) { s.feed = f }
}

// WithSweeper enables POST /api/v1/sweep.
func WithSweeper(t SweepTrigger) ServerOption {
	return func(s *Server) { s.sweeper = t }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server is the HTTP server for the klio API.
type Server struct {
	cfg     *config.Config
	svc     *chat.Service
	feed    ActivityFeed
	sweeper SweepTrigger
	logger  *slog.Logger
	mux     *http.ServeMux
	server  *http.Server
}

// New creates a new web server.
func New(cfg *config.Config, svc *chat.Service, opts ...ServerOption) *Server {
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE needs no write timeout
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler wrapped in the request middleware.
func (s *Server) Handler() http.Handler {
	return s.withRequestID(s.withAPIKey(s.mux))
}

// Start begins serving HTTP requests. It blocks until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/openapi.yaml", s.handleOpenAPISpec)

	s.mux.HandleFunc("POST /api/v1/children/{child}/conversations", s.handleStartConversation)
	s.mux.HandleFunc("GET /api/v1/children/{child}/conversations/active", s.handleActiveConversation)
	s.mux.HandleFunc("POST /api/v1/children/{child}/conversations/{id}/end", s.handleEndConversation)
	s.mux.HandleFunc("POST /api/v1/children/{child}/conversations/{id}/messages", s.handleSendMessage)
	s.mux.HandleFunc("POST /api/v1/children/{child}/conversations/{id}/messages/stream", s.handleSendMessageStream)
	s.mux.HandleFunc("GET /api/v1/children/{child}/conversations/{id}/activity", s.handleActivity)

	s.mux.HandleFunc("GET /api/v1/children/{child}/summaries", s.handleSummaries)
	s.mux.HandleFunc("GET /api/v1/children/{child}/memory", s.handleMemoryGraph)
	s.mux.HandleFunc("DELETE /api/v1/children/{child}/memory/{topic}", s.handleDeleteTopic)
	s.mux.HandleFunc("GET /api/v1/children/{child}/patterns", s.handleLearningPatterns)

	s.mux.HandleFunc("GET /api/v1/children/{child}/quota", s.handleQuota)
	s.mux.HandleFunc("POST /api/v1/children/{child}/quota/reset", s.handleResetQuota)
	s.mux.HandleFunc("POST /api/v1/quota/reset", s.handleResetAllQuotas)

	s.mux.HandleFunc("POST /api/v1/sweep", s.handleTriggerSweep)
}

type ctxKey int

const requestIDKey ctxKey = iota

// requestID returns the id assigned to r by withRequestID.
func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

// withRequestID tags every request with an X-Request-ID, reusing the
// caller's when present.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// withAPIKey requires the configured key as a bearer token or X-API-Key on
// everything but the health check and the API description. An empty key
// disables the check.
func (s *Server) withAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" || r.URL.Path == "/api/v1/health" || r.URL.Path == "/api/openapi.yaml" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("X-API-Key")
		if got == "" {
			got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"success": false,
				"message": "missing or invalid API key",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(api.OpenAPISpec)
}
