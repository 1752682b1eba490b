// Package ratelimit admits requests per caller within a sliding window. It
// runs before generation so a single caller cannot exhaust the external
// model quota from inside the process.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the admission outcome. RetryAfter is set only on denial and
// derives from the oldest timestamp still inside the window.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter tracks admitted-request timestamps per caller. Windows are pruned
// lazily on every check; Sweep additionally drops idle callers to bound
// memory, but is not required for correctness.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string][]time.Time

	now func() time.Time
}

func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Admit records the request when allowed. Denials do not consume capacity.
func (l *Limiter) Admit(callerID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	recent := prune(l.windows[callerID], cutoff)

	if len(recent) >= l.limit {
		retryAfter := recent[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.windows[callerID] = recent
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	l.windows[callerID] = append(recent, now)
	return Decision{Allowed: true}
}

// Sweep removes callers with no in-window activity and returns how many
// were dropped.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	dropped := 0
	for callerID, stamps := range l.windows {
		if recent := prune(stamps, cutoff); len(recent) == 0 {
			delete(l.windows, callerID)
			dropped++
		} else {
			l.windows[callerID] = recent
		}
	}
	return dropped
}

func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	return stamps[idx:]
}
