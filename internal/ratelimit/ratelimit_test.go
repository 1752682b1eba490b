package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(limit int, window time.Duration) (*Limiter, *time.Time) {
	l := New(limit, window)
	current := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return current }
	return l, &current
}

func TestDeniesOverCapacityWithRetryAfter(t *testing.T) {
	l, current := newTestLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if d := l.Admit("caller-a"); !d.Allowed {
			t.Fatalf("admission %d denied", i)
		}
		*current = current.Add(time.Second)
	}
	d := l.Admit("caller-a")
	if d.Allowed {
		t.Fatal("fourth admission inside the window should be denied")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want positive", d.RetryAfter)
	}
	// Oldest stamp is 3s old, so the window reopens in ~57s.
	if d.RetryAfter > time.Minute {
		t.Fatalf("RetryAfter = %v, exceeds window", d.RetryAfter)
	}
}

func TestWindowElapseReadmits(t *testing.T) {
	l, current := newTestLimiter(2, time.Minute)
	l.Admit("caller-a")
	l.Admit("caller-a")
	if d := l.Admit("caller-a"); d.Allowed {
		t.Fatal("expected denial at capacity")
	}
	*current = current.Add(61 * time.Second)
	if d := l.Admit("caller-a"); !d.Allowed {
		t.Fatal("expected admission after window elapsed")
	}
}

func TestCallersAreIsolated(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	if d := l.Admit("caller-a"); !d.Allowed {
		t.Fatal("caller-a first admission denied")
	}
	if d := l.Admit("caller-b"); !d.Allowed {
		t.Fatal("caller-b should have its own window")
	}
	if d := l.Admit("caller-a"); d.Allowed {
		t.Fatal("caller-a should be at capacity")
	}
}

func TestDenialsDoNotConsumeCapacity(t *testing.T) {
	l, current := newTestLimiter(1, time.Minute)
	l.Admit("caller-a")
	for i := 0; i < 5; i++ {
		l.Admit("caller-a")
	}
	*current = current.Add(61 * time.Second)
	if d := l.Admit("caller-a"); !d.Allowed {
		t.Fatal("denied attempts must not extend the window")
	}
}

func TestSweepDropsIdleCallers(t *testing.T) {
	l, current := newTestLimiter(5, time.Minute)
	l.Admit("caller-a")
	l.Admit("caller-b")
	*current = current.Add(2 * time.Minute)
	l.Admit("caller-b")
	if dropped := l.Sweep(); dropped != 1 {
		t.Fatalf("Sweep() = %d, want 1", dropped)
	}
}
