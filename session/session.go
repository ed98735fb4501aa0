// Package session persists the portal session token (a cookie header value)
// to a small JSON file so any process can make authenticated calls without
// re-running the authenticator.
//
// A token is never mutated, only replaced. A token older than the configured
// max age is treated as expired before use.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNoSession is returned when no token has been persisted yet.
var ErrNoSession = errors.New("session: no token persisted")

// DefaultMaxAge is the observed upstream session lifetime.
const DefaultMaxAge = 4 * time.Hour

// Token is the persisted session artifact.
type Token struct {
	Cookie    string    `json:"cookie"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store reads and writes the session file. Safe for concurrent use within
// one process; cross-process writers are not expected (the scheduler is the
// sole writer).
type Store struct {
	path   string
	maxAge time.Duration

	mu  sync.Mutex
	now func() time.Time // test seam
}

// Option customises a Store.
type Option func(*Store)

// WithMaxAge overrides the token max age. Default: 4h.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store persisting to path.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{path: path, maxAge: DefaultMaxAge, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load reads the persisted token. Returns ErrNoSession if the file does not
// exist or holds no cookie.
func (s *Store) Load() (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("session: read: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("session: parse: %w", err)
	}
	if tok.Cookie == "" {
		return nil, ErrNoSession
	}
	return &tok, nil
}

// Save persists a fresh token with the current timestamp. The write goes
// through a temp file + rename so readers never observe a partial file.
func (s *Store) Save(cookie string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok := &Token{Cookie: cookie, UpdatedAt: s.now().UTC()}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("session: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("session: mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return nil, fmt.Errorf("session: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return nil, fmt.Errorf("session: rename: %w", err)
	}
	return tok, nil
}

// Invalidate discards the persisted token. Called when an authenticated
// request came back as a login page.
func (s *Store) Invalidate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session: remove: %w", err)
	}
	return nil
}

// Expired reports whether tok is older than the configured max age.
// A token aged exactly maxAge is still fresh; one millisecond past is not.
func (s *Store) Expired(tok *Token) bool {
	if tok == nil || tok.Cookie == "" {
		return true
	}
	return s.now().Sub(tok.UpdatedAt) > s.maxAge
}

// Fresh loads the current token and returns it only if it is not expired.
// Returns ErrNoSession when absent or stale.
func (s *Store) Fresh() (*Token, error) {
	tok, err := s.Load()
	if err != nil {
		return nil, err
	}
	if s.Expired(tok) {
		return nil, ErrNoSession
	}
	return tok, nil
}
