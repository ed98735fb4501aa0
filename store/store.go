// Package store persists normalized records and machine snapshots as a single
// JSON document on disk. The whole document is loaded, mutated under a lock
// and rewritten atomically, which keeps the on-disk format inspectable with
// nothing but jq and makes corruption from partial writes impossible.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vendtrak/fleetsync/normalize"
)

// DefaultRetention is how long records are kept before being pruned.
const DefaultRetention = 365 * 24 * time.Hour

var ErrClosed = errors.New("store: closed")

// document is the on-disk layout.
type document struct {
	Records  []normalize.Record  `json:"records"`
	Machines []normalize.Machine `json:"machines"`
}

// Store is a durable record log backed by one JSON file. All methods are safe
// for concurrent use.
type Store struct {
	mu        sync.Mutex
	path      string
	retention time.Duration
	currency  string
	logger    *slog.Logger
	now       func() time.Time

	doc    document
	seen   map[string]struct{} // dedup keys of every stored record
	loaded bool
	closed bool
}

// Option customizes a Store.
type Option func(*Store)

// WithRetention overrides the pruning horizon. Zero or negative disables
// pruning entirely.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithCurrency sets the currency code stamped on derived transactions.
func WithCurrency(code string) Option {
	return func(s *Store) { s.currency = code }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source. Test seam.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates a Store over the given file path, creating parent directories.
// The file itself is created on first write.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:      path,
		retention: DefaultRetention,
		currency:  "MYR",
		logger:    slog.Default(),
		now:       time.Now,
		seen:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir: %w", err)
	}
	return s, nil
}

// load reads the document from disk once. Callers hold s.mu.
func (s *Store) load() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return fmt.Errorf("store: parse %s: %w", s.path, err)
	}
	for _, r := range s.doc.Records {
		s.seen[dedupKey(r)] = struct{}{}
	}
	s.loaded = true
	return nil
}

// flush rewrites the document atomically. Callers hold s.mu.
func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}

// Merge appends records that have not been seen before and returns the newly
// inserted ones. Merging the same batch twice inserts nothing the second
// time. Expired records are pruned on the way through.
func (s *Store) Merge(recs []normalize.Record) ([]normalize.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	var inserted []normalize.Record
	for _, r := range recs {
		key := dedupKey(r)
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		s.doc.Records = append(s.doc.Records, r)
		inserted = append(inserted, r)
	}

	pruned := s.prune()
	if len(inserted) == 0 && pruned == 0 {
		return nil, nil
	}
	if err := s.flush(); err != nil {
		return nil, err
	}
	if pruned > 0 {
		s.logger.Info("store: pruned expired records", "count", pruned)
	}
	return inserted, nil
}

// prune drops records older than the retention horizon. Records without a
// usable timestamp are kept. Callers hold s.mu. Returns the number dropped.
func (s *Store) prune() int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.retention)
	kept := s.doc.Records[:0]
	dropped := 0
	for _, r := range s.doc.Records {
		if !r.Timestamp.IsZero() && r.Timestamp.Before(cutoff) {
			delete(s.seen, dedupKey(r))
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	s.doc.Records = kept
	return dropped
}

// Query returns up to limit records with Timestamp strictly after since,
// newest first. A zero since means no lower bound; limit <= 0 means no cap.
func (s *Store) Query(since time.Time, limit int) ([]normalize.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	out := make([]normalize.Record, 0, len(s.doc.Records))
	for _, r := range s.doc.Records {
		if !since.IsZero() && !r.Timestamp.After(since) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if err := s.load(); err != nil {
		return 0, err
	}
	return len(s.doc.Records), nil
}

// SetMachines replaces the machine fleet snapshot wholesale.
func (s *Store) SetMachines(machines []normalize.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.load(); err != nil {
		return err
	}
	s.doc.Machines = machines
	return s.flush()
}

// Machines returns the current fleet snapshot.
func (s *Store) Machines() ([]normalize.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	out := make([]normalize.Machine, len(s.doc.Machines))
	copy(out, s.doc.Machines)
	return out, nil
}

// Close marks the store closed. Further calls fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// dedupKey identifies a record for idempotent merging. Records with an
// upstream reference number dedup on it; everything else dedups on a content
// hash of the raw row plus its source, so re-capturing the same aggregate or
// raw body never double-inserts.
func dedupKey(r normalize.Record) string {
	if r.RefNo != "" {
		return "ref:" + r.RefNo
	}
	h := sha256.New()
	h.Write([]byte(r.Source))
	h.Write([]byte{0})
	h.Write(r.Raw)
	return "sha:" + hex.EncodeToString(h.Sum(nil))
}
