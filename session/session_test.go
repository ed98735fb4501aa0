package session

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func storeAt(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "session.json"), opts...)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	// WHAT: A saved token loads back with cookie and timestamp intact.
	// WHY: Other processes read this file to make authenticated calls.
	s := storeAt(t)
	saved, err := s.Save("ASP.NET_SessionId=abc123; .AspNet.Cookies=xyz")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Cookie != saved.Cookie {
		t.Errorf("cookie: got %q", got.Cookie)
	}
	if !got.UpdatedAt.Equal(saved.UpdatedAt) {
		t.Errorf("updatedAt: got %v, want %v", got.UpdatedAt, saved.UpdatedAt)
	}
}

func TestLoad_NoFile(t *testing.T) {
	// WHAT: Load on a missing file returns ErrNoSession.
	// WHY: First boot must trigger authentication, not crash.
	s := storeAt(t)
	if _, err := s.Load(); !errors.Is(err, ErrNoSession) {
		t.Errorf("got %v, want ErrNoSession", err)
	}
}

func TestExpired_Boundary(t *testing.T) {
	// WHAT: A token is fresh at maxAge-1ms and expired at maxAge+1ms.
	// WHY: The staleness boundary decides when a cycle re-authenticates.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s := storeAt(t, WithMaxAge(4*time.Hour), WithClock(func() time.Time { return now }))

	tok, err := s.Save("cookie=1")
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	now = base.Add(4*time.Hour - time.Millisecond)
	if s.Expired(tok) {
		t.Error("token should be fresh at maxAge-1ms")
	}

	now = base.Add(4*time.Hour + time.Millisecond)
	if !s.Expired(tok) {
		t.Error("token should be expired at maxAge+1ms")
	}
}

func TestFresh_StaleToken(t *testing.T) {
	// WHAT: Fresh returns ErrNoSession once the token has aged out.
	// WHY: Capture must never run with a stale cookie.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s := storeAt(t, WithMaxAge(time.Hour), WithClock(func() time.Time { return now }))

	if _, err := s.Save("cookie=1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	now = base.Add(2 * time.Hour)
	if _, err := s.Fresh(); !errors.Is(err, ErrNoSession) {
		t.Errorf("got %v, want ErrNoSession", err)
	}
}

func TestInvalidate(t *testing.T) {
	// WHAT: Invalidate removes the file; a second call is a no-op.
	// WHY: Session-expired recovery discards the cookie and must be idempotent.
	s := storeAt(t)
	if _, err := s.Save("cookie=1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Invalidate(); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if err := s.Invalidate(); err != nil {
		t.Fatalf("second invalidate: %v", err)
	}
	if _, err := s.Load(); !errors.Is(err, ErrNoSession) {
		t.Errorf("got %v, want ErrNoSession", err)
	}
}
