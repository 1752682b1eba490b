package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/datapulse/datapulse/internal/catalog"
	"github.com/datapulse/datapulse/internal/observability"
	"github.com/datapulse/datapulse/internal/session"
)

type sessionResponse struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Tables    []string  `json:"tables"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type schemaTable struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

func sessionPayload(s session.Session) sessionResponse {
	return sessionResponse{
		SessionID: s.ID,
		Kind:      string(s.Kind),
		Tables:    s.Catalog.Tables(),
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	}
}

// handleCreateSession opens a new session scoped to the shared demo dataset.
// Callers switch it to their own data through the upload endpoints.
func handleCreateSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session registry is not configured", false, nil)
		return
	}
	s := deps.Sessions.Create(session.KindDemo, catalog.Demo(), nil, "")
	observability.SetActiveSessions(deps.Sessions.Len())
	writeJSON(w, http.StatusCreated, sessionPayload(s))
}

func handleGetSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session registry is not configured", false, nil)
		return
	}
	id, err := sessionFromPath(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "SESSION_REQUIRED", err.Error(), false, nil)
		return
	}
	s, err := deps.Sessions.Lookup(id)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(s))
}

func handleDeleteSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session registry is not configured", false, nil)
		return
	}
	id, err := sessionFromPath(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "SESSION_REQUIRED", err.Error(), false, nil)
		return
	}
	if err := deps.Sessions.Revoke(id); err != nil {
		writeSessionError(w, r, err)
		return
	}
	observability.SetActiveSessions(deps.Sessions.Len())
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked", "session_id": id})
}

// handleResetSession drops the session's uploaded dataset and points it back
// at the demo data without changing the session id.
func handleResetSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session registry is not configured", false, nil)
		return
	}
	id, err := sessionFromPath(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "SESSION_REQUIRED", err.Error(), false, nil)
		return
	}
	s, err := deps.Sessions.Reset(id, catalog.Demo(), nil)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(s))
}

// handleSchemaTables describes the tables visible to a caller: the session's
// catalog when session_id is given, the demo catalog otherwise.
func handleSchemaTables(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	cat := catalog.Demo()
	if id := strings.TrimSpace(r.URL.Query().Get("session_id")); id != "" {
		if deps.Sessions == nil {
			writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session registry is not configured", false, nil)
			return
		}
		s, err := deps.Sessions.Lookup(id)
		if err != nil {
			writeSessionError(w, r, err)
			return
		}
		if s.Kind == session.KindCustom {
			cat = s.Catalog
		}
	}

	tables := make([]schemaTable, 0, len(cat.Tables()))
	for _, name := range cat.Tables() {
		columns, _ := cat.Columns(name)
		tables = append(tables, schemaTable{Name: name, Columns: columns})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables, "fingerprint": cat.Fingerprint()})
}

func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, session.ErrExpired) {
		writeError(r.Context(), w, http.StatusGone, "SESSION_EXPIRED", "session has expired", false, nil)
		return
	}
	if errors.Is(err, session.ErrNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found", false, nil)
		return
	}
	writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "internal error", false, nil)
}
