// Package server provides the REST surface and process wiring for the
// sandbox service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/playsql/sandbox/pkg/audit"
	"github.com/playsql/sandbox/pkg/service"
	"github.com/playsql/sandbox/pkg/session"
)

// maxRequestBody caps the request body size. Queries are text; anything
// past this is abuse.
const maxRequestBody = 1 << 20

// Sandbox is the service surface the handler depends on.
type Sandbox interface {
	CreateSession(ctx context.Context) (*session.Session, error)
	Execute(ctx context.Context, sessionID, rawSQL string) (*service.Result, error)
	ResetSession(ctx context.Context, sessionID string) error
	CloseSession(ctx context.Context, sessionID string) error
	SweepExpired(ctx context.Context, limit int) (int, error)
	QueryLog(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
	Limits() service.Limits
}

// Handler routes the sandbox REST API.
type Handler struct {
	mux       *http.ServeMux
	sandbox   Sandbox
	pinger    Pinger
	adminAuth func(http.Handler) http.Handler
}

// Pinger reports database liveness for the health endpoint.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// NewHandler creates the API handler. adminAuth gates the admin routes;
// nil leaves them open, which is only acceptable in tests.
func NewHandler(sandbox Sandbox, pinger Pinger, adminAuth func(http.Handler) http.Handler) *Handler {
	h := &Handler{
		mux:       http.NewServeMux(),
		sandbox:   sandbox,
		pinger:    pinger,
		adminAuth: adminAuth,
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /healthz", h.health)

	h.mux.HandleFunc("POST /api/v1/sessions", h.createSession)
	h.mux.HandleFunc("POST /api/v1/sessions/{id}/execute", h.execute)
	h.mux.HandleFunc("POST /api/v1/sessions/{id}/reset", h.resetSession)
	h.mux.HandleFunc("DELETE /api/v1/sessions/{id}", h.closeSession)

	admin := http.NewServeMux()
	admin.HandleFunc("POST /api/v1/admin/sweep", h.sweep)
	admin.HandleFunc("GET /api/v1/admin/query-log", h.queryLog)

	var adminHandler http.Handler = admin
	if h.adminAuth != nil {
		adminHandler = h.adminAuth(admin)
	}
	h.mux.Handle("/api/v1/admin/", adminHandler)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.pinger.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sessionResponse is the wire shape for a created session.
type sessionResponse struct {
	SessionID string         `json:"session_id"`
	Schema    string         `json:"schema"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Limits    service.Limits `json:"limits"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sandbox.CreateSession(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		SessionID: sess.ID,
		Schema:    sess.SchemaName,
		CreatedAt: sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
		Limits:    h.sandbox.Limits(),
	})
}

// executeRequest is the wire shape for a query submission.
type executeRequest struct {
	SQL string `json:"sql"`
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.sandbox.Execute(r.Context(), r.PathValue("id"), req.SQL)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) resetSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sandbox.ResetSession(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sandbox.CloseSession(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sweep(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	n, err := h.sandbox.SweepExpired(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reclaimed": n})
}

func (h *Handler) queryLog(w http.ResponseWriter, r *http.Request) {
	f, err := parseLogFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.sandbox.QueryLog(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// parseLogFilter builds an audit filter from query parameters.
func parseLogFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		SessionID: q.Get("session_id"),
		ErrorCode: q.Get("error_code"),
		Limit:     100,
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("offset must not be negative")
		}
		f.Offset = n
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("since must be an RFC 3339 timestamp")
		}
		f.Since = &ts
	}
	if v := q.Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("until must be an RFC 3339 timestamp")
		}
		f.Until = &ts
	}
	return f, nil
}

// decodeJSON decodes a JSON request body with a size cap.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeServiceError maps a typed service error onto an HTTP status.
func writeServiceError(w http.ResponseWriter, err error) {
	var serr *service.Error
	if !errors.As(err, &serr) {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch serr.Code {
	case service.CodeValidation, service.CodeSyntax:
		status = http.StatusBadRequest
	case service.CodeQueryBlocked:
		status = http.StatusForbidden
	case service.CodeSessionExpired:
		status = http.StatusNotFound
	case service.CodeTimeout:
		status = http.StatusRequestTimeout
	}

	writeJSON(w, status, map[string]string{
		"error":   string(serr.Code),
		"message": serr.Message,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
