package timectrl

import (
	"context"
	"errors"
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time, so pipeline
// components can depend on a clock abstraction rather than the scheduler.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Mode describes how the scheduler paces ticks against the wall clock.
type Mode int

const (
	// RealTime waits Interval of wall-clock time between ticks.
	RealTime Mode = iota
	// Accelerated runs ticks back to back while still stepping by Step.
	Accelerated
)

// State is the scheduler lifecycle state.
type State int

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyStarted is returned by Start on a running scheduler.
	ErrAlreadyStarted = errors.New("timectrl: scheduler already started")
	// ErrStopped is returned by Start once the scheduler has stopped.
	// Stopped is terminal; build a new Scheduler instead.
	ErrStopped = errors.New("timectrl: scheduler stopped")
)

// TickFunc runs one tick at the given elapsed simulated time. The context is
// cancelled when the scheduler stops.
type TickFunc func(ctx context.Context, elapsed time.Duration)

// Scheduler drives a TickFunc on a fixed cadence. Tick k runs at elapsed
// simulated time k*Step; ticks never overlap. It implements SimClock.
type Scheduler struct {
	StartTime time.Time
	Interval  time.Duration
	Step      time.Duration
	Mode      Mode
	// Duration bounds the run in simulated time; zero runs until Stop.
	Duration time.Duration

	mu      sync.RWMutex
	state   State
	elapsed time.Duration
	ticks   uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler constructs an idle scheduler.
func NewScheduler(start time.Time, interval, step time.Duration, mode Mode) *Scheduler {
	return &Scheduler{
		StartTime: start,
		Interval:  interval,
		Step:      step,
		Mode:      mode,
		done:      make(chan struct{}),
	}
}

// Now returns the current simulation time. Implements SimClock.
func (s *Scheduler) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.StartTime.Add(s.elapsed)
}

// Elapsed returns the simulated time of the most recent tick.
func (s *Scheduler) Elapsed() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.elapsed
}

// Ticks returns the number of completed ticks.
func (s *Scheduler) Ticks() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ticks
}

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Done is closed once the scheduler has reached Stopped and its loop exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Start transitions Idle to Running and begins ticking in a separate
// goroutine. Cancelling ctx has the same effect as Stop.
func (s *Scheduler) Start(ctx context.Context, fn TickFunc) error {
	if fn == nil {
		return errors.New("timectrl: nil tick func")
	}

	s.mu.Lock()
	switch s.state {
	case Running:
		s.mu.Unlock()
		return ErrAlreadyStarted
	case Stopped:
		s.mu.Unlock()
		return ErrStopped
	}
	step := s.Step
	if step <= 0 {
		step = s.Interval
	}
	if step <= 0 || (s.Mode == RealTime && s.Interval <= 0) {
		s.mu.Unlock()
		return errors.New("timectrl: interval and step must be positive")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.state = Running
	s.cancel = cancel
	s.mu.Unlock()

	go s.loop(runCtx, fn, step)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, fn TickFunc, step time.Duration) {
	defer func() {
		s.mu.Lock()
		s.state = Stopped
		s.cancel()
		s.mu.Unlock()
		close(s.done)
	}()

	var ticker *time.Ticker
	if s.Mode == RealTime {
		ticker = time.NewTicker(s.Interval)
		defer ticker.Stop()
	}

	for elapsed := time.Duration(0); ; elapsed += step {
		if s.Duration > 0 && elapsed > s.Duration {
			return
		}
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		s.elapsed = elapsed
		s.mu.Unlock()

		fn(ctx, elapsed)

		s.mu.Lock()
		s.ticks++
		s.mu.Unlock()

		if ticker == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop transitions to Stopped, cancels the in-flight tick cooperatively and
// waits for the loop to exit. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	switch s.state {
	case Idle:
		s.state = Stopped
		s.mu.Unlock()
		close(s.done)
		return
	case Running:
		s.state = Stopped
		s.cancel()
	}
	s.mu.Unlock()
	<-s.done
}
