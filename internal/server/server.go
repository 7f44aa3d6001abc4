// Package server exposes the Parlance chat engine over HTTP: a REST surface
// for one-shot chat and conversation management, a WebSocket endpoint for
// streaming turns, and the health and metrics endpoints.
package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parlancehq/parlance/internal/engine"
	"github.com/parlancehq/parlance/internal/health"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/pkg/memory"
)

// Server routes HTTP traffic to the engine and the conversation store.
type Server struct {
	engine  engine.Engine
	store   memory.ConversationStore
	health  *health.Handler
	metrics *observe.Metrics
	log     *slog.Logger
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth sets the health handler serving /health. Without it the endpoint
// reports plain liveness.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics instance used by the HTTP middleware and the
// WebSocket stream gauge.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the structured logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a server for the given engine and store.
func New(eng engine.Engine, store memory.ConversationStore, opts ...Option) *Server {
	s := &Server{
		engine: eng,
		store:  store,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the full route table wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.health != nil {
		s.health.Register(mux)
	}
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/chat/stream", s.handleStream)
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// handleHealth serves the aggregated dependency health report. When no health
// handler was configured it degrades to a liveness response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	s.health.Readyz(w, r)
}
