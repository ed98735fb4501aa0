// Package diag records capture failures and rejected logins in an SQLite
// database for offline diagnosis. The portal has no error API: when it
// rejects a login or drifts its payload shape, the raw body it returned is
// often the only evidence, so the pipeline files it here instead of losing it
// in a log line.
package diag

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/vendtrak/fleetsync/dbopen"
	"github.com/vendtrak/fleetsync/idgen"
	_ "modernc.org/sqlite"
)

// MaxBodyBytes caps the stored body evidence per event.
const MaxBodyBytes = 64 * 1024

const schema = `
CREATE TABLE IF NOT EXISTS auth_rejections (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	at         TEXT NOT NULL,
	url        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	body       BLOB
);
CREATE TABLE IF NOT EXISTS capture_failures (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	at         TEXT NOT NULL,
	url        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	reason     TEXT NOT NULL,
	body       BLOB
);
CREATE TABLE IF NOT EXISTS cycle_log (
	id         TEXT PRIMARY KEY,
	at         TEXT NOT NULL,
	ok         INTEGER NOT NULL,
	captures   INTEGER NOT NULL,
	inserted   INTEGER NOT NULL,
	error      TEXT
);
CREATE INDEX IF NOT EXISTS idx_auth_rejections_at ON auth_rejections(at);
CREATE INDEX IF NOT EXISTS idx_capture_failures_at ON capture_failures(at);
CREATE INDEX IF NOT EXISTS idx_cycle_log_at ON cycle_log(at);
`

// Store writes diagnostic events. It satisfies the portal's diagnostic sink.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
	newID  idgen.Generator
}

// Option customizes a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source. Test seam.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides cycle-log ID generation.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// Open opens (and migrates) the diagnostics database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("diag: %w", err)
	}
	return newStore(db, opts...), nil
}

// NewWithDB wraps an already-open database, applying the schema. Used by
// tests with dbopen.OpenMemory.
func NewWithDB(db *sql.DB, opts ...Option) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("diag: schema: %w", err)
	}
	return newStore(db, opts...), nil
}

func newStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
		newID:  idgen.Prefixed("cyc_", idgen.Default),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AuthRejection files the body the portal returned for a rejected login.
func (s *Store) AuthRejection(ctx context.Context, url string, status int, body []byte) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_rejections (at, url, status, body) VALUES (?, ?, ?, ?)`,
		s.now().UTC().Format(time.RFC3339Nano), url, status, truncate(body))
	if err != nil {
		s.logger.Error("diag: auth rejection not recorded", "error", err)
	}
}

// CaptureFailure files the body of a failed endpoint capture.
func (s *Store) CaptureFailure(ctx context.Context, url string, status int, body []byte, reason string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capture_failures (at, url, status, reason, body) VALUES (?, ?, ?, ?, ?)`,
		s.now().UTC().Format(time.RFC3339Nano), url, status, reason, truncate(body))
	if err != nil {
		s.logger.Error("diag: capture failure not recorded", "error", err)
	}
}

// LogCycle appends a sync-cycle outcome.
func (s *Store) LogCycle(ctx context.Context, captures, inserted int, cycleErr error) {
	ok := 1
	var errText sql.NullString
	if cycleErr != nil {
		ok = 0
		errText = sql.NullString{String: cycleErr.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycle_log (id, at, ok, captures, inserted, error) VALUES (?, ?, ?, ?, ?, ?)`,
		s.newID(), s.now().UTC().Format(time.RFC3339Nano), ok, captures, inserted, errText)
	if err != nil {
		s.logger.Error("diag: cycle not logged", "error", err)
	}
}

// Cleanup removes diagnostic rows older than keep. Evidence is only useful
// while someone might still look at it.
func (s *Store) Cleanup(ctx context.Context, keep time.Duration) error {
	cutoff := s.now().UTC().Add(-keep).Format(time.RFC3339Nano)
	for _, table := range []string{"auth_rejections", "capture_failures", "cycle_log"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE at < ?`, cutoff); err != nil {
			return fmt.Errorf("diag: cleanup %s: %w", table, err)
		}
	}
	return nil
}

func truncate(body []byte) []byte {
	if len(body) > MaxBodyBytes {
		return body[:MaxBodyBytes]
	}
	return body
}
