package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datapulse/datapulse/internal/catalog"
	"github.com/datapulse/datapulse/internal/query"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
)

// Session is one caller-visible dataset scope. Demo sessions share the
// process-wide demo handle; custom sessions own their handle and on-disk
// directory and both are released when the session goes away.
type Session struct {
	ID           string
	Kind         Kind
	Catalog      catalog.Catalog
	Handle       *query.Handle
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastAccessed time.Time

	dir string
}

// Registry holds live sessions behind a single mutex. Stored records are
// only touched under the mutex; every accessor returns a value snapshot, so
// a caller never observes a dataset swap mid-read. Expiry is enforced at
// lookup; Sweep reclaims storage for sessions nobody looks up again.
type Registry struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*Session
	logger   *slog.Logger

	now func() time.Time
}

func NewRegistry(ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		ttl:      ttl,
		sessions: make(map[string]*Session),
		logger:   logger,
		now:      time.Now,
	}
}

// Create registers a new session around the given catalog and handle. dir is
// the session's scratch directory for custom uploads; empty for demo
// sessions.
func (r *Registry) Create(kind Kind, cat catalog.Catalog, handle *query.Handle, dir string) Session {
	now := r.now()
	s := &Session{
		ID:           uuid.NewString(),
		Kind:         kind,
		Catalog:      cat,
		Handle:       handle,
		CreatedAt:    now,
		ExpiresAt:    now.Add(r.ttl),
		LastAccessed: now,
		dir:          dir,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	r.logger.Info("session created", "session_id", s.ID, "kind", string(kind))
	return *s
}

// Attach replaces the catalog and handle of an existing session with a new
// record, closing the previous custom handle and removing its directory when
// the new dataset lives elsewhere. Used when a caller uploads a new dataset
// into an existing session.
func (r *Registry) Attach(id string, cat catalog.Catalog, handle *query.Handle, dir string) (Session, error) {
	if !ValidateID(id) {
		return Session{}, ErrNotFound
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, ErrNotFound
	}
	now := r.now()
	if now.After(s.ExpiresAt) {
		delete(r.sessions, id)
		r.mu.Unlock()
		r.release(s)
		return Session{}, ErrExpired
	}
	previous := *s
	replaced := previous
	replaced.Kind = KindCustom
	replaced.Catalog = cat
	replaced.Handle = handle
	replaced.LastAccessed = now
	replaced.dir = dir
	r.sessions[id] = &replaced
	r.mu.Unlock()

	if previous.Kind == KindCustom {
		if previous.Handle != nil {
			_ = previous.Handle.Close()
		}
		if previous.dir != "" && previous.dir != dir {
			if err := os.RemoveAll(previous.dir); err != nil {
				r.logger.Warn("remove session directory", "session_id", id, "error", err)
			}
		}
	}
	r.logger.Info("session dataset replaced", "session_id", id)
	return replaced, nil
}

// Reset returns the session to the shared demo dataset, releasing any custom
// handle and scratch directory it held.
func (r *Registry) Reset(id string, cat catalog.Catalog, handle *query.Handle) (Session, error) {
	if !ValidateID(id) {
		return Session{}, ErrNotFound
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, ErrNotFound
	}
	now := r.now()
	if now.After(s.ExpiresAt) {
		delete(r.sessions, id)
		r.mu.Unlock()
		r.release(s)
		return Session{}, ErrExpired
	}
	previous := *s
	replaced := previous
	replaced.Kind = KindDemo
	replaced.Catalog = cat
	replaced.Handle = handle
	replaced.LastAccessed = now
	replaced.dir = ""
	r.sessions[id] = &replaced
	r.mu.Unlock()

	if previous.Kind == KindCustom {
		if previous.Handle != nil {
			_ = previous.Handle.Close()
		}
		if previous.dir != "" {
			if err := os.RemoveAll(previous.dir); err != nil {
				r.logger.Warn("remove session directory", "session_id", id, "error", err)
			}
		}
	}
	r.logger.Info("session reset to demo dataset", "session_id", id)
	return replaced, nil
}

// Lookup returns a snapshot of the live session for id. A malformed id is
// indistinguishable from an unknown one; an expired session is reported as
// such and torn down.
func (r *Registry) Lookup(id string) (Session, error) {
	if !ValidateID(id) {
		return Session{}, ErrNotFound
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, ErrNotFound
	}
	now := r.now()
	if now.After(s.ExpiresAt) {
		delete(r.sessions, id)
		r.mu.Unlock()
		r.release(s)
		return Session{}, ErrExpired
	}
	s.LastAccessed = now
	snapshot := *s
	r.mu.Unlock()
	return snapshot, nil
}

// Revoke removes the session and releases its resources.
func (r *Registry) Revoke(id string) error {
	if !ValidateID(id) {
		return ErrNotFound
	}
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	r.release(s)
	r.logger.Info("session revoked", "session_id", id)
	return nil
}

// Sweep removes every expired session and returns how many were reclaimed.
func (r *Registry) Sweep() int {
	now := r.now()
	var expired []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if now.After(s.ExpiresAt) {
			delete(r.sessions, id)
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.release(s)
	}
	if len(expired) > 0 {
		r.logger.Info("session sweep", "reclaimed", len(expired))
	}
	return len(expired)
}

// Run sweeps on interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// release closes custom handles and removes their scratch directory. Demo
// sessions borrow the shared handle, which stays open. Only ever called on
// records already removed from the map.
func (r *Registry) release(s *Session) {
	if s.Kind != KindCustom {
		return
	}
	if s.Handle != nil {
		if err := s.Handle.Close(); err != nil {
			r.logger.Warn("close session database", "session_id", s.ID, "error", err)
		}
	}
	if s.dir != "" {
		if err := os.RemoveAll(s.dir); err != nil {
			r.logger.Warn("remove session directory", "session_id", s.ID, "error", err)
		}
	}
}
