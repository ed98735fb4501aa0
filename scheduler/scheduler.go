package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the scheduler's lifecycle state.
type State string

const (
	StateStopped State = "STOPPED" // no timer armed
	StateIdle    State = "IDLE"    // timer armed, no cycle in flight
	StateRunning State = "RUNNING" // cycle in flight
)

// DefaultInterval between cycles.
const DefaultInterval = 5 * time.Minute

// ErrCycleInFlight is returned when a cycle is requested while one is
// already running. Overlapping cycles are rejected, never queued.
var ErrCycleInFlight = errors.New("scheduler: cycle already in flight")

// CycleFunc runs one sync cycle.
type CycleFunc func(ctx context.Context) error

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	State     State         `json:"state"`
	Interval  time.Duration `json:"interval"`
	LastRun   time.Time     `json:"lastRun"`
	LastError string        `json:"lastError,omitempty"`
}

// Scheduler runs a cycle function on a fixed interval, starting with an
// immediate first cycle. Safe for concurrent use.
type Scheduler struct {
	cycle  CycleFunc
	logger *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	inFlight bool
	cancel   context.CancelFunc
	done     chan struct{}
	lastRun  time.Time
	lastErr  error
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a stopped Scheduler around the cycle function.
func New(cycle CycleFunc, opts ...Option) *Scheduler {
	s := &Scheduler{cycle: cycle, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start arms the timer and kicks off an immediate first cycle. Starting an
// already-started scheduler is a no-op: the timer keeps its phase and no
// extra cycle fires. interval <= 0 means DefaultInterval. Cycles run with
// ctx; cancelling it is equivalent to Stop.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		s.logger.Debug("scheduler: already started")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.interval = interval
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.logger.Info("scheduler: started", "interval", interval)
	go s.loop(loopCtx, ctx, interval, done)
}

// Stop disarms the timer and waits for the in-flight cycle, if any, to
// finish. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.stopLoop()
	s.logger.Info("scheduler: stopped")
}

func (s *Scheduler) stopLoop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunNow executes one cycle synchronously. Returns ErrCycleInFlight when a
// cycle is already running.
func (s *Scheduler) RunNow(ctx context.Context) error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return ErrCycleInFlight
	}
	s.inFlight = true
	s.mu.Unlock()

	err := s.cycle(ctx)

	s.mu.Lock()
	s.inFlight = false
	s.lastRun = time.Now()
	s.lastErr = err
	s.mu.Unlock()
	return err
}

// Status reports the current state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Interval: s.interval, LastRun: s.lastRun}
	switch {
	case s.inFlight:
		st.State = StateRunning
	case s.done != nil:
		st.State = StateIdle
	default:
		st.State = StateStopped
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// loop schedules cycles. loopCtx only stops the timer; cycles themselves run
// with cycleCtx so Stop lets an in-flight cycle finish rather than aborting
// it mid-capture.
func (s *Scheduler) loop(loopCtx, cycleCtx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(cycleCtx)
	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			s.tick(cycleCtx)
		}
	}
}

// tick runs one scheduled cycle. Overlap (the previous cycle still running
// when the timer fires) skips the tick rather than queuing it.
func (s *Scheduler) tick(ctx context.Context) {
	err := s.RunNow(ctx)
	switch {
	case errors.Is(err, ErrCycleInFlight):
		s.logger.Warn("scheduler: previous cycle still running, skipping tick")
	case err != nil && ctx.Err() == nil:
		s.logger.Error("scheduler: cycle failed", "error", err)
	}
}
