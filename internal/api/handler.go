// Package api exposes the answering service over HTTP. Handlers translate
// refusal codes into statuses and never leak SQL fragments, stack traces, or
// filesystem paths to the caller.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datapulse/datapulse/internal/answer"
	"github.com/datapulse/datapulse/internal/auth"
	"github.com/datapulse/datapulse/internal/cache"
	"github.com/datapulse/datapulse/internal/config"
	"github.com/datapulse/datapulse/internal/history"
	"github.com/datapulse/datapulse/internal/observability"
	"github.com/datapulse/datapulse/internal/session"
	"github.com/datapulse/datapulse/internal/storage"
)

type ReadinessCheck func(ctx context.Context) error

// HistoryLister is the read side of the query history store.
type HistoryLister interface {
	List(ctx context.Context, filter history.Filter) ([]history.Entry, error)
}

type Dependencies struct {
	Logger         *slog.Logger
	Answers        *answer.Service
	Sessions       *session.Registry
	Cache          *cache.Cache
	History        HistoryLister
	Uploads        storage.ObjectStore
	AuthMiddleware func(http.Handler) http.Handler
	Readiness      ReadinessCheck
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/answer", func(w http.ResponseWriter, r *http.Request) {
		handleAnswer(deps, w, r)
	})
	protected.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		handleCreateSession(deps, w, r)
	})
	protected.HandleFunc("GET /v1/sessions/{session}", func(w http.ResponseWriter, r *http.Request) {
		handleGetSession(deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/sessions/{session}", func(w http.ResponseWriter, r *http.Request) {
		handleDeleteSession(deps, w, r)
	})
	protected.HandleFunc("POST /v1/sessions/{session}/upload/csv", func(w http.ResponseWriter, r *http.Request) {
		handleUploadCSV(cfg, deps, w, r)
	})
	protected.HandleFunc("POST /v1/sessions/{session}/upload/sqlite", func(w http.ResponseWriter, r *http.Request) {
		handleUploadSQLite(cfg, deps, w, r)
	})
	protected.HandleFunc("POST /v1/sessions/{session}/reset", func(w http.ResponseWriter, r *http.Request) {
		handleResetSession(deps, w, r)
	})
	protected.HandleFunc("GET /v1/schema/tables", func(w http.ResponseWriter, r *http.Request) {
		handleSchemaTables(deps, w, r)
	})
	protected.HandleFunc("GET /v1/cache/stats", func(w http.ResponseWriter, r *http.Request) {
		handleCacheStats(deps, w, r)
	})
	protected.HandleFunc("POST /v1/cache/clear", func(w http.ResponseWriter, r *http.Request) {
		handleCacheClear(deps, w, r)
	})
	protected.HandleFunc("GET /v1/history", func(w http.ResponseWriter, r *http.Request) {
		handleHistory(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/answer", protectedHandler)
	mux.Handle("POST /v1/sessions", protectedHandler)
	mux.Handle("GET /v1/sessions/{session}", protectedHandler)
	mux.Handle("DELETE /v1/sessions/{session}", protectedHandler)
	mux.Handle("POST /v1/sessions/{session}/upload/csv", protectedHandler)
	mux.Handle("POST /v1/sessions/{session}/upload/sqlite", protectedHandler)
	mux.Handle("POST /v1/sessions/{session}/reset", protectedHandler)
	mux.Handle("GET /v1/schema/tables", protectedHandler)
	mux.Handle("GET /v1/cache/stats", protectedHandler)
	mux.Handle("POST /v1/cache/clear", protectedHandler)
	mux.Handle("GET /v1/history", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckHistoryDSN(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.History.DSN == "" {
			return errors.New("history dsn is not configured")
		}
		return nil
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// callerFromRequest resolves the caller identity: the authenticated identity
// when auth is on, the X-Caller-ID header otherwise. Anonymous callers share
// one rate-limit bucket.
func callerFromRequest(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if strings.TrimSpace(identity.CallerID) != "" {
			return identity.CallerID
		}
	}
	if caller := strings.TrimSpace(r.Header.Get("X-Caller-ID")); caller != "" {
		return caller
	}
	return "anonymous"
}

// requireRole enforces role membership only when an identity is present;
// with auth disabled every caller passes.
func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

func sessionFromPath(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.PathValue("session"))
	if id == "" {
		return "", errors.New("session path parameter is required")
	}
	return id, nil
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
