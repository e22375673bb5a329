package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/browserpool/pkg/browser"
	bperrors "github.com/odvcencio/browserpool/pkg/errors"
	"github.com/odvcencio/browserpool/pkg/observability"
)

type adminServer struct {
	pool    *browser.Pool
	logger  *observability.Logger
	started time.Time
}

// newAdminRouter builds the operational HTTP surface: health, metrics and
// the pooled session table.
func newAdminRouter(pool *browser.Pool, gatherer prometheus.Gatherer, logger *observability.Logger) http.Handler {
	if logger == nil {
		logger = observability.Nop()
	}
	s := &adminServer{pool: pool, logger: logger, started: time.Now()}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", s.handleHealthz)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	router.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Get("/{sessionID}", s.handleGetSession)
		r.Delete("/{sessionID}", s.handleCloseSession)
	})
	return router
}

func (s *adminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     version,
		"connections": s.pool.Len(),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"time":        time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *adminServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": s.pool.Sessions(),
		"metrics":  s.pool.Metrics().Snapshot(),
	})
}

func (s *adminServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	conn, ok := s.pool.Lookup(sessionID)
	if !ok {
		respondError(w, http.StatusNotFound, errNoSession(sessionID))
		return
	}
	respondJSON(w, http.StatusOK, browser.ConnectionInfo{
		SessionID:    sessionID,
		ConnectionID: conn.ID(),
		State:        conn.State().String(),
	})
}

func (s *adminServer) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, bperrors.New(bperrors.ErrCodeInvalidInput, "session id required"))
		return
	}
	closed, err := s.pool.CloseConnection(sessionID)
	if !closed {
		respondError(w, http.StatusNotFound, errNoSession(sessionID))
		return
	}
	if err != nil {
		failure := bperrors.Wrap(err, bperrors.ErrCodeInternal, "close session").
			WithContext("session_id", sessionID).
			WithUserMessage("The session was removed from the pool but its worker did not shut down cleanly.").
			WithRemediation("Check the worker log for the session", "Look for a leftover worker process")
		s.logger.WithSession(sessionID).Warn("admin close failed", slog.String("error", err.Error()))
		s.logger.WithSession(sessionID).Debug("admin close failure stack", slog.String("stack", failure.StackTrace()))
		respondError(w, http.StatusInternalServerError, failure)
		return
	}
	s.logger.WithSession(sessionID).Info("session closed via admin")
	w.WriteHeader(http.StatusNoContent)
}

func errNoSession(sessionID string) error {
	return bperrors.New(bperrors.ErrCodeSessionClosed, "no pooled connection for session").
		WithContext("session_id", sessionID).
		WithRemediation("List pooled sessions with GET /sessions")
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, err error) {
	response := struct {
		Error       string         `json:"error"`
		Status      int            `json:"status"`
		Code        string         `json:"code,omitempty"`
		Message     string         `json:"message"`
		Reason      string         `json:"reason,omitempty"`
		UserMessage string         `json:"user_message,omitempty"`
		Remediation []string       `json:"remediation,omitempty"`
		Context     map[string]any `json:"context,omitempty"`
		Retryable   bool           `json:"retryable,omitempty"`
		Timestamp   string         `json:"timestamp"`
	}{
		Error:     http.StatusText(status),
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	response.Code = string(bperrors.GetCode(err))
	if structured, ok := bperrors.As(err); ok {
		response.Message = structured.Message
		response.UserMessage = structured.UserMessage
		response.Remediation = structured.Remediation
		response.Context = structured.Context
		response.Retryable = structured.Retryable
		if reason := structured.Reason(); reason != structured.Message {
			response.Reason = reason
		}
	} else if err != nil {
		response.Message = err.Error()
	}
	respondJSON(w, status, response)
}
