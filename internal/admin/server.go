package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/VOTGroup/lotus-mpool-replace/internal/engine"
	"github.com/VOTGroup/lotus-mpool-replace/internal/events"
)

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 500
)

const (
	routeStatus        = "GET /admin/v1/status"
	routeMessages      = "GET /admin/v1/messages"
	routeMessage       = "GET /admin/v1/messages/{id}"
	routeMessageEvents = "GET /admin/v1/messages/{id}/events"
	routeHealth        = "GET /admin/v1/health"
)

// StatusProvider exposes the scheduler's last published state. Both methods
// return copies; the admin server never touches live engine state.
type StatusProvider interface {
	StatusSnapshot() any
	Messages() engine.View
}

// HealthProvider returns a health snapshot as JSON-encodable data.
type HealthProvider interface {
	HealthSnapshots() any
}

// HistoryProvider reads persisted lifecycle events for a message.
type HistoryProvider interface {
	RecentEvents(ctx context.Context, messageID string, limit int) ([]events.Event, error)
}

// Server provides a read-only HTTP API for operators.
type Server struct {
	status  StatusProvider
	health  HealthProvider
	history HistoryProvider
	limits  *RouteLimiter
	logger  *slog.Logger
}

// NewServer creates an admin API server backed by status.
func NewServer(status StatusProvider, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		status: status,
		logger: logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithHealthProvider sets the health provider on the admin server.
func WithHealthProvider(hp HealthProvider) ServerOption {
	return func(s *Server) { s.health = hp }
}

// WithHistoryProvider enables the per-message event history endpoint.
func WithHistoryProvider(hp HistoryProvider) ServerOption {
	return func(s *Server) { s.history = hp }
}

// WithRouteLimiter throttles every admin route with rl.
func WithRouteLimiter(rl *RouteLimiter) ServerOption {
	return func(s *Server) { s.limits = rl }
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		if s.limits == nil {
			mux.Handle(pattern, h)
			return
		}
		mux.Handle(pattern, s.limits.Wrap(pattern, h))
	}
	handle(routeStatus, s.handleGetStatus)
	handle(routeMessages, s.handleListMessages)
	handle(routeMessage, s.handleGetMessage)
	handle(routeMessageEvents, s.handleMessageEvents)
	handle(routeHealth, s.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.Error(w, `{"error":"status not available"}`, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.status.StatusSnapshot())
}

type messagesResponse struct {
	Pending []engine.PendingEntry `json:"pending"`
	Working []engine.WorkingEntry `json:"working"`
}

// handleListMessages lists tracked messages. ?set=pending or ?set=working
// narrows the response to one set.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.Error(w, `{"error":"status not available"}`, http.StatusServiceUnavailable)
		return
	}
	view := s.status.Messages()
	resp := messagesResponse{
		Pending: view.Pending,
		Working: view.Working,
	}
	switch r.URL.Query().Get("set") {
	case "":
	case "pending":
		resp.Working = nil
	case "working":
		resp.Pending = nil
	default:
		http.Error(w, `{"error":"set must be pending or working"}`, http.StatusBadRequest)
		return
	}
	if resp.Pending == nil {
		resp.Pending = []engine.PendingEntry{}
	}
	if resp.Working == nil {
		resp.Working = []engine.WorkingEntry{}
	}
	writeJSON(w, http.StatusOK, resp)
}

type messageResponse struct {
	Set     string               `json:"set"`
	Pending *engine.PendingEntry `json:"pending,omitempty"`
	Working *engine.WorkingEntry `json:"working,omitempty"`
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.Error(w, `{"error":"status not available"}`, http.StatusServiceUnavailable)
		return
	}
	id := engine.MessageID(r.PathValue("id"))
	view := s.status.Messages()
	for i := range view.Working {
		if view.Working[i].ID == id {
			writeJSON(w, http.StatusOK, messageResponse{Set: "working", Working: &view.Working[i]})
			return
		}
	}
	for i := range view.Pending {
		if view.Pending[i].ID == id {
			writeJSON(w, http.StatusOK, messageResponse{Set: "pending", Pending: &view.Pending[i]})
			return
		}
	}
	http.Error(w, `{"error":"message not tracked"}`, http.StatusNotFound)
}

func (s *Server) handleMessageEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, `{"error":"event history not enabled"}`, http.StatusServiceUnavailable)
		return
	}

	limit := defaultEventsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxEventsLimit {
			http.Error(w, `{"error":"limit must be between 1 and 500"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	id := r.PathValue("id")
	evts, err := s.history.RecentEvents(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("failed to read event history", "message_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if evts == nil {
		evts = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messageId": id,
		"events":    evts,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		http.Error(w, `{"error":"health provider not available"}`, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.health.HealthSnapshots())
}
