// Package engine runs the tick pipeline: build the snapshot for the current
// simulated time, diff it against the previous one, push the transitions to
// the node agents and record the outcome.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/constellation-emulator/core"
	"github.com/signalsfoundry/constellation-emulator/internal/gateway"
	"github.com/signalsfoundry/constellation-emulator/internal/logging"
	"github.com/signalsfoundry/constellation-emulator/internal/telemetry"
	"github.com/signalsfoundry/constellation-emulator/timectrl"
)

// Metrics receives per-tick measurements.
type Metrics interface {
	ObserveTick(d time.Duration)
	RecordTransitions(ups, downs int)
	SetTopology(nodes, links int)
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// TickReport is what one tick produced.
type TickReport struct {
	TickID      string
	Elapsed     time.Duration
	Snapshot    *core.Snapshot
	Transitions []core.Transition
	Batch       *gateway.BatchResult
}

// Engine owns the previous snapshot and drives the pipeline from the
// scheduler goroutine.
type Engine struct {
	constellation *core.Constellation
	builder       *core.Builder
	sched         *timectrl.Scheduler
	gw            *gateway.Gateway
	agg           *telemetry.Aggregator

	log     logging.Logger
	metrics Metrics
	tracer  trace.Tracer

	// prev is only touched by Tick, which the scheduler never overlaps.
	prev *core.Snapshot

	mu        sync.Mutex
	aggCancel context.CancelFunc
	aggDone   chan struct{}
}

// New wires the pipeline. The aggregator is optional.
func New(c *core.Constellation, b *core.Builder, sched *timectrl.Scheduler, gw *gateway.Gateway, agg *telemetry.Aggregator, opts ...Option) (*Engine, error) {
	switch {
	case c == nil || b == nil:
		return nil, errors.New("engine: constellation and builder are required")
	case sched == nil:
		return nil, errors.New("engine: scheduler is required")
	case gw == nil:
		return nil, errors.New("engine: gateway is required")
	}
	e := &Engine{
		constellation: c,
		builder:       b,
		sched:         sched,
		gw:            gw,
		agg:           agg,
		log:           logging.Noop(),
		metrics:       noopMetrics{},
		tracer:        otel.Tracer("github.com/signalsfoundry/constellation-emulator/internal/engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start begins ticking and, when configured, the aggregator's probe loop.
// It fails with timectrl.ErrAlreadyStarted or timectrl.ErrStopped outside
// Idle.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.sched.Start(ctx, e.tick); err != nil {
		return err
	}
	if e.agg != nil {
		aggCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		e.aggCancel, e.aggDone = cancel, done
		go func() {
			defer close(done)
			if err := e.agg.Run(aggCtx); err != nil {
				e.log.Warn(aggCtx, "telemetry aggregator exited", logging.Err(err))
			}
		}()
	}
	e.log.Info(ctx, "engine started",
		logging.Int("nodes", len(e.constellation.Nodes())),
		logging.Duration("tick_interval", e.sched.Interval),
		logging.Duration("time_step", e.sched.Step),
	)
	return nil
}

// Stop cancels the in-flight tick, waits for the loop and the probe loop to
// exit, and leaves the engine Stopped for good.
func (e *Engine) Stop() {
	e.sched.Stop()

	e.mu.Lock()
	cancel, done := e.aggCancel, e.aggDone
	e.aggCancel, e.aggDone = nil, nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Done is closed when the tick loop has exited.
func (e *Engine) Done() <-chan struct{} { return e.sched.Done() }

// State returns the scheduler lifecycle state.
func (e *Engine) State() timectrl.State { return e.sched.State() }

func (e *Engine) tick(ctx context.Context, elapsed time.Duration) {
	e.Tick(ctx, elapsed)
}

// Tick runs the pipeline once for elapsed simulated time. Dispatch failures
// are recorded, never returned; the next diff supersedes them.
func (e *Engine) Tick(ctx context.Context, elapsed time.Duration) *TickReport {
	start := time.Now()
	ctx, tickID := logging.WithTickLogger(ctx, e.log)
	ctx, span := e.tracer.Start(ctx, "engine.tick", trace.WithAttributes(
		attribute.String("tick_id", tickID),
		attribute.Int64("elapsed_s", int64(elapsed/time.Second)),
	))
	defer span.End()

	snap := e.builder.Build(elapsed).Continue(e.prev)
	transitions := core.Diff(e.prev, snap)
	e.prev = snap

	ups, downs := core.Counts(transitions)
	e.metrics.RecordTransitions(ups, downs)
	e.metrics.SetTopology(len(e.constellation.Nodes()), snap.Len())

	batch := e.gw.Apply(ctx, transitions)
	if e.agg != nil {
		e.agg.RecordTick(ctx, snap, transitions, batch)
	}

	succeeded, failed, cancelled := batch.Counts()
	span.SetAttributes(
		attribute.Int("links", snap.Len()),
		attribute.Int("ups", ups),
		attribute.Int("downs", downs),
		attribute.Int("dispatch_failed", failed),
	)
	d := time.Since(start)
	e.metrics.ObserveTick(d)

	fields := []logging.Field{
		logging.String("sim_time", snap.Time().Format(time.RFC3339)),
		logging.Int("links", snap.Len()),
		logging.Int("ups", ups),
		logging.Int("downs", downs),
		logging.Int("dispatched", succeeded),
		logging.Int("failed", failed),
		logging.Int("cancelled", cancelled),
		logging.Duration("took", d),
	}
	if len(transitions) > 0 {
		e.log.Info(ctx, "tick", fields...)
	} else {
		e.log.Debug(ctx, "tick", fields...)
	}

	return &TickReport{
		TickID:      tickID,
		Elapsed:     elapsed,
		Snapshot:    snap,
		Transitions: transitions,
		Batch:       batch,
	}
}

type noopMetrics struct{}

func (noopMetrics) ObserveTick(time.Duration)  {}
func (noopMetrics) RecordTransitions(int, int) {}
func (noopMetrics) SetTopology(int, int)       {}
