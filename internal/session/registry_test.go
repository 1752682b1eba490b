package session

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/datapulse/datapulse/internal/catalog"
	"github.com/datapulse/datapulse/internal/query"
)

func newTestRegistry(ttl time.Duration) (*Registry, *time.Time) {
	r := NewRegistry(ttl, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	current := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return current }
	return r, &current
}

func TestCreateAndLookup(t *testing.T) {
	r, _ := newTestRegistry(time.Hour)
	s := r.Create(KindDemo, catalog.Demo(), nil, "")
	if !ValidateID(s.ID) {
		t.Fatalf("session id %q is not a v4 uuid", s.ID)
	}

	found, err := r.Lookup(s.ID)
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if found.ID != s.ID || found.Kind != KindDemo {
		t.Fatalf("Lookup() = %+v", found)
	}
}

func TestLookupRejectsMalformedID(t *testing.T) {
	r, _ := newTestRegistry(time.Hour)
	for _, id := range []string{
		"",
		"not-a-uuid",
		"ZZZZZZZZ-0000-4000-8000-000000000000",
		"12345678-1234-1234-1234-123456789012", // not version 4
		"../../../etc/passwd",
	} {
		if _, err := r.Lookup(id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Lookup(%q) = %v, want ErrNotFound", id, err)
		}
	}
}

func TestLookupExpiredSession(t *testing.T) {
	r, current := newTestRegistry(time.Hour)
	s := r.Create(KindDemo, catalog.Demo(), nil, "")

	*current = current.Add(time.Hour + time.Second)
	if _, err := r.Lookup(s.ID); !errors.Is(err, ErrExpired) {
		t.Fatalf("Lookup() = %v, want ErrExpired", err)
	}
	// Once torn down, the id is simply unknown.
	if _, err := r.Lookup(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Lookup() = %v, want ErrNotFound", err)
	}
}

func TestRevokeRemovesCustomDirectory(t *testing.T) {
	r, _ := newTestRegistry(time.Hour)
	dir := filepath.Join(t.TempDir(), "session-data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	s := r.Create(KindCustom, catalog.Demo(), nil, dir)

	if err := r.Revoke(s.ID); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("session directory survived revoke: %v", err)
	}
	if err := r.Revoke(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Revoke() = %v, want ErrNotFound", err)
	}
}

func TestAttachSwapsDatasetAndReclaimsPreviousDirectory(t *testing.T) {
	r, _ := newTestRegistry(time.Hour)
	firstDir := filepath.Join(t.TempDir(), "upload-1")
	secondDir := filepath.Join(t.TempDir(), "upload-2")
	for _, dir := range []string{firstDir, secondDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	s := r.Create(KindCustom, catalog.Demo(), &query.Handle{}, firstDir)

	attached, err := r.Attach(s.ID, catalog.Demo(), &query.Handle{}, secondDir)
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}
	if attached.Kind != KindCustom {
		t.Fatalf("kind = %q after attach", attached.Kind)
	}
	if _, err := os.Stat(firstDir); !os.IsNotExist(err) {
		t.Fatalf("previous directory survived attach: %v", err)
	}
	if _, err := os.Stat(secondDir); err != nil {
		t.Fatalf("new directory missing: %v", err)
	}
}

// Lookup snapshots must stay internally consistent while another goroutine
// swaps the session between the demo and a custom dataset.
func TestLookupSnapshotConsistentUnderConcurrentAttach(t *testing.T) {
	r, _ := newTestRegistry(time.Hour)
	customHandle := &query.Handle{Fingerprint: "custom"}
	s := r.Create(KindDemo, catalog.Demo(), nil, "")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if _, err := r.Attach(s.ID, catalog.Demo(), customHandle, ""); err != nil {
				t.Errorf("Attach() error: %v", err)
				return
			}
			if _, err := r.Reset(s.ID, catalog.Demo(), nil); err != nil {
				t.Errorf("Reset() error: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 500; i++ {
		snapshot, err := r.Lookup(s.ID)
		if err != nil {
			t.Fatalf("Lookup() error: %v", err)
		}
		switch snapshot.Kind {
		case KindDemo:
			if snapshot.Handle != nil {
				t.Fatalf("demo snapshot carries handle %v", snapshot.Handle)
			}
		case KindCustom:
			if snapshot.Handle != customHandle {
				t.Fatalf("custom snapshot carries handle %v", snapshot.Handle)
			}
		default:
			t.Fatalf("kind = %q", snapshot.Kind)
		}
	}
	wg.Wait()
}

func TestResetReturnsSessionToDemo(t *testing.T) {
	r, _ := newTestRegistry(time.Hour)
	dir := filepath.Join(t.TempDir(), "session-data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	s := r.Create(KindCustom, catalog.Demo(), nil, dir)

	reset, err := r.Reset(s.ID, catalog.Demo(), nil)
	if err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if reset.Kind != KindDemo {
		t.Fatalf("kind = %q after reset", reset.Kind)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("custom directory survived reset: %v", err)
	}
}

func TestSweepReclaimsOnlyExpired(t *testing.T) {
	r, current := newTestRegistry(time.Hour)
	old := r.Create(KindDemo, catalog.Demo(), nil, "")
	*current = current.Add(50 * time.Minute)
	fresh := r.Create(KindDemo, catalog.Demo(), nil, "")

	*current = current.Add(20 * time.Minute)
	if reclaimed := r.Sweep(); reclaimed != 1 {
		t.Fatalf("Sweep() = %d, want 1", reclaimed)
	}
	if _, err := r.Lookup(old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired session still present: %v", err)
	}
	if _, err := r.Lookup(fresh.ID); err != nil {
		t.Fatalf("fresh session lost: %v", err)
	}
}

func TestSanitizeFileName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"data.csv", "data.csv"},
		{"../../etc/passwd", "passwd"},
		{"..\\..\\boot.ini", "boot.ini"},
		{"my report (final).csv", "my_report__final_.csv"},
		{"bad\x00name.db", "badname.db"},
		{"", "upload"},
		{"...", "upload"},
	}
	for _, tc := range cases {
		if got := SanitizeFileName(tc.in); got != tc.want {
			t.Fatalf("SanitizeFileName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	long := SanitizeFileName(longName(150) + ".csv")
	if len(long) > 100 {
		t.Fatalf("sanitized name length = %d", len(long))
	}
}

func longName(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}
