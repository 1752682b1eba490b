package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/datapulse/datapulse/internal/auth"
	"github.com/datapulse/datapulse/internal/history"
)

func handleCacheStats(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Cache == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CACHE_NOT_CONFIGURED", "result cache is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	stats := deps.Cache.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"size":        stats.Size,
		"capacity":    stats.Capacity,
		"ttl_seconds": int(stats.TTL.Seconds()),
	})
}

func handleCacheClear(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Cache == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CACHE_NOT_CONFIGURED", "result cache is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	removed := deps.Cache.Invalidate("")
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "removed": removed})
}

type historyEntryResponse struct {
	ID         int64  `json:"id"`
	CallerID   string `json:"caller_id"`
	SessionID  string `json:"session_id,omitempty"`
	Question   string `json:"question"`
	SQL        string `json:"sql,omitempty"`
	Outcome    string `json:"outcome"`
	ErrorCode  string `json:"error_code,omitempty"`
	Cached     bool   `json:"cached"`
	RowCount   int    `json:"row_count"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  string `json:"created_at"`
}

func handleHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.History == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "HISTORY_NOT_CONFIGURED", "query history is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	filter := history.Filter{
		CallerID: strings.TrimSpace(r.URL.Query().Get("caller_id")),
		Outcome:  strings.TrimSpace(r.URL.Query().Get("outcome")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, nil)
			return
		}
		filter.Limit = limit
	}

	entries, err := deps.History.List(r.Context(), filter)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_ERROR", "could not read query history", true, nil)
		return
	}

	payload := make([]historyEntryResponse, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, historyEntryResponse{
			ID:         entry.ID,
			CallerID:   entry.CallerID,
			SessionID:  entry.SessionID,
			Question:   entry.Question,
			SQL:        entry.SQL,
			Outcome:    entry.Outcome,
			ErrorCode:  entry.ErrorCode,
			Cached:     entry.Cached,
			RowCount:   entry.RowCount,
			DurationMS: entry.DurationMS,
			CreatedAt:  entry.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": payload})
}
