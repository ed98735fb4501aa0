// Package scheduler drives the periodic sync cycle: ensure a live session,
// capture the portal's endpoints, normalize, persist, publish. Failures are
// contained at the cycle boundary; a bad cycle is logged and the next one
// starts on schedule.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vendtrak/fleetsync/normalize"
	"github.com/vendtrak/fleetsync/portal"
	"github.com/vendtrak/fleetsync/session"
)

// Sessions is the slice of the session store the runner needs.
type Sessions interface {
	Fresh() (*session.Token, error)
	Save(cookie string) (*session.Token, error)
	Invalidate() error
}

// Capturer fetches the portal's data endpoints with a session cookie.
type Capturer interface {
	CaptureAll(ctx context.Context, cookie string) ([]portal.Capture, error)
}

// Records is the slice of the durable store the runner needs.
type Records interface {
	Merge(recs []normalize.Record) ([]normalize.Record, error)
	SetMachines(machines []normalize.Machine) error
}

// Publisher receives newly inserted records after each cycle.
type Publisher interface {
	Publish(recs []normalize.Record)
}

// PassiveSource hands over captures collected outside the active cycle,
// such as XHR traffic observed during a browser login.
type PassiveSource interface {
	Drain() []portal.Capture
}

// CycleLog records each cycle's outcome for offline diagnosis.
type CycleLog interface {
	LogCycle(ctx context.Context, captures, inserted int, err error)
}

// RunnerConfig wires a cycle's collaborators.
type RunnerConfig struct {
	Sessions   Sessions
	Auth       portal.Authenticator
	Creds      portal.Credentials
	Capturer   Capturer
	Normalizer *normalize.Normalizer
	Records    Records
	Publisher  Publisher
	// Passive is optional; drained captures ride the same cycle as active ones.
	Passive PassiveSource
	// CycleLog is optional.
	CycleLog CycleLog
	Logger   *slog.Logger
}

// Runner executes one sync cycle end to end.
type Runner struct {
	cfg RunnerConfig
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	switch {
	case cfg.Sessions == nil:
		return nil, errors.New("scheduler: nil session store")
	case cfg.Auth == nil:
		return nil, errors.New("scheduler: nil authenticator")
	case cfg.Capturer == nil:
		return nil, errors.New("scheduler: nil capturer")
	case cfg.Normalizer == nil:
		return nil, errors.New("scheduler: nil normalizer")
	case cfg.Records == nil:
		return nil, errors.New("scheduler: nil record store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cfg: cfg}, nil
}

// Cycle runs one sync pass. A stale or missing session triggers a login; a
// session that dies mid-capture triggers exactly one re-login within the same
// cycle before giving up.
func (r *Runner) Cycle(ctx context.Context) (err error) {
	started := time.Now()
	var captured, inserted int
	if r.cfg.CycleLog != nil {
		defer func() { r.cfg.CycleLog.LogCycle(ctx, captured, inserted, err) }()
	}

	cookie, err := r.ensureSession(ctx)
	if err != nil {
		return err
	}

	captures, err := r.cfg.Capturer.CaptureAll(ctx, cookie)
	if errors.Is(err, portal.ErrSessionExpired) {
		r.cfg.Logger.Info("cycle: session expired mid-capture, re-authenticating")
		if err := r.cfg.Sessions.Invalidate(); err != nil {
			return fmt.Errorf("cycle: invalidate session: %w", err)
		}
		cookie, err = r.ensureSession(ctx)
		if err != nil {
			return err
		}
		captures, err = r.cfg.Capturer.CaptureAll(ctx, cookie)
	}
	if err != nil {
		return fmt.Errorf("cycle: capture: %w", err)
	}
	if r.cfg.Passive != nil {
		captures = append(captures, r.cfg.Passive.Drain()...)
	}
	captured = len(captures)

	recs := r.cfg.Normalizer.Normalize(captures)
	r.updateMachines(captures)

	newRecs, err := r.cfg.Records.Merge(recs)
	if err != nil {
		return fmt.Errorf("cycle: merge: %w", err)
	}
	inserted = len(newRecs)
	if r.cfg.Publisher != nil {
		r.cfg.Publisher.Publish(newRecs)
	}

	r.cfg.Logger.Info("cycle: complete",
		"captures", captured,
		"records", len(recs),
		"inserted", inserted,
		"elapsed", time.Since(started))
	return nil
}

// ensureSession returns a usable cookie, logging in and persisting a new
// token when none is fresh.
func (r *Runner) ensureSession(ctx context.Context) (string, error) {
	tok, err := r.cfg.Sessions.Fresh()
	if err == nil {
		return tok.Cookie, nil
	}
	if !errors.Is(err, session.ErrNoSession) {
		return "", fmt.Errorf("cycle: load session: %w", err)
	}

	r.cfg.Logger.Info("cycle: no fresh session, logging in")
	cookie, err := r.cfg.Auth.Login(ctx, r.cfg.Creds)
	if err != nil {
		return "", fmt.Errorf("cycle: login: %w", err)
	}
	if _, err := r.cfg.Sessions.Save(cookie); err != nil {
		return "", fmt.Errorf("cycle: save session: %w", err)
	}
	return cookie, nil
}

// updateMachines refreshes the fleet snapshot from any machine-list capture
// in the batch. Snapshot failures are logged, not fatal: sales records still
// merge.
func (r *Runner) updateMachines(captures []portal.Capture) {
	for _, cp := range captures {
		if !strings.Contains(strings.ToLower(cp.URL), "machine") {
			continue
		}
		var body any
		if err := json.Unmarshal(cp.Body, &body); err != nil {
			continue
		}
		machines := r.cfg.Normalizer.Machines(body, cp.At)
		if len(machines) == 0 {
			continue
		}
		if err := r.cfg.Records.SetMachines(machines); err != nil {
			r.cfg.Logger.Warn("cycle: machine snapshot not saved", "error", err)
		}
		return
	}
}
