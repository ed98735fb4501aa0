package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestStart_RunsFirstCycleImmediately(t *testing.T) {
	// WHAT: Start fires a cycle right away, not after the first interval.
	// WHY: Operators starting the sync expect data without waiting minutes.
	ran := make(chan struct{}, 1)
	s := New(func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})
	s.Start(context.Background(), time.Hour)
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle did not run immediately")
	}
}

func TestRunNow_RejectsOverlap(t *testing.T) {
	// WHAT: A second cycle requested mid-run fails with ErrCycleInFlight.
	// WHY: Overlapping cycles would double-capture and race on the session
	// file; they are rejected, never queued.
	release := make(chan struct{})
	started := make(chan struct{})
	s := New(func(context.Context) error {
		close(started)
		<-release
		return nil
	})

	go s.RunNow(context.Background())
	<-started

	if err := s.RunNow(context.Background()); !errors.Is(err, ErrCycleInFlight) {
		t.Errorf("got %v, want ErrCycleInFlight", err)
	}
	if st := s.Status(); st.State != StateRunning {
		t.Errorf("state: got %q, want RUNNING", st.State)
	}
	close(release)
}

func TestStop_WaitsForInFlightCycle(t *testing.T) {
	// WHAT: Stop returns only after the running cycle completes, and the
	// cycle's context stays live throughout.
	// WHY: Aborting a cycle mid-merge could lose captured records.
	release := make(chan struct{})
	started := make(chan struct{})
	var finished atomic.Bool
	s := New(func(ctx context.Context) error {
		close(started)
		<-release
		if ctx.Err() != nil {
			t.Error("cycle context cancelled by Stop")
		}
		finished.Store(true)
		return nil
	})

	s.Start(context.Background(), time.Hour)
	<-started

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	s.Stop()

	if !finished.Load() {
		t.Error("Stop returned before the in-flight cycle finished")
	}
	if st := s.Status(); st.State != StateStopped {
		t.Errorf("state: got %q, want STOPPED", st.State)
	}
}

func TestStatus_Lifecycle(t *testing.T) {
	// WHAT: Status walks STOPPED -> IDLE -> STOPPED and records the last
	// cycle outcome.
	// WHY: The control API surfaces exactly this snapshot.
	cycleErr := errors.New("portal down")
	s := New(func(context.Context) error { return cycleErr })

	if st := s.Status(); st.State != StateStopped {
		t.Fatalf("initial state: %q", st.State)
	}

	if err := s.RunNow(context.Background()); !errors.Is(err, cycleErr) {
		t.Fatalf("RunNow: %v", err)
	}
	st := s.Status()
	if st.LastError != "portal down" {
		t.Errorf("lastError: %q", st.LastError)
	}
	if st.LastRun.IsZero() {
		t.Error("lastRun not recorded")
	}

	s.Start(context.Background(), time.Hour)
	// The immediate first cycle may still be in flight; wait for idle.
	deadline := time.Now().Add(2 * time.Second)
	for s.Status().State != StateIdle {
		if time.Now().After(deadline) {
			t.Fatalf("never reached IDLE, state=%q", s.Status().State)
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	if st := s.Status(); st.State != StateStopped {
		t.Errorf("after stop: %q", st.State)
	}
}

func TestStart_Idempotent(t *testing.T) {
	// WHAT: Starting an already-running scheduler is a no-op: exactly one
	// immediate cycle fires and the original interval is kept.
	// WHY: The control endpoint may be hit repeatedly; each hit must not
	// reset the timer phase or burst extra captures at the portal.
	var runs atomic.Int32
	s := New(func(context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Start(context.Background(), time.Hour)
	s.Start(context.Background(), 2*time.Hour)
	s.Stop()

	if got := runs.Load(); got != 1 {
		t.Errorf("immediate cycles: got %d, want 1 (second Start is a no-op)", got)
	}
	if st := s.Status(); st.Interval != time.Hour {
		t.Errorf("interval: got %v, want the original 1h", st.Interval)
	}
}

func TestStart_AfterStopRearms(t *testing.T) {
	// WHAT: A stopped scheduler can be started again.
	// WHY: Idempotent start must not make stop permanent.
	var runs atomic.Int32
	s := New(func(context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Start(context.Background(), time.Hour)
	s.Stop()
	s.Start(context.Background(), time.Hour)
	s.Stop()

	if got := runs.Load(); got != 2 {
		t.Errorf("cycles: got %d, want 2 (one per start/stop round)", got)
	}
}
