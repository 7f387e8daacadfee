// Package telemetry aggregates reachability probes into per-group time series
// and keeps the bounded event log of link transitions and dispatch outcomes.
package telemetry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/constellation-emulator/core"
	"github.com/signalsfoundry/constellation-emulator/internal/gateway"
	"github.com/signalsfoundry/constellation-emulator/internal/logging"
	"github.com/signalsfoundry/constellation-emulator/model"
)

// ErrRunning is returned by Run when the probe loop is already active.
var ErrRunning = errors.New("telemetry: aggregator already running")

// sinkFlushTimeout bounds the final drain of the sink queue after Run exits.
const sinkFlushTimeout = 5 * time.Second

// Config holds the aggregator settings.
type Config struct {
	// ProbeInterval is the wall-clock time between probe cycles.
	// Default: 5s
	ProbeInterval time.Duration
	// ProbeTimeout bounds a single probe.
	// Default: 2s
	ProbeTimeout time.Duration
	// ProbeWorkers caps concurrent probes. It is independent of the
	// gateway's dispatch pool.
	// Default: 8
	ProbeWorkers int
	// Period is the length of one time-series window.
	// Default: 1m
	Period time.Duration
	// SeriesCapacity is the number of closed periods kept per group.
	// Default: 60
	SeriesCapacity int
	// EventCapacity is the EventLog size.
	// Default: 100
	EventCapacity int
	// StaleAfter marks a node inactive when its last successful probe is
	// older than this.
	// Default: 1m
	StaleAfter time.Duration
	// SinkQueue is the bounded queue towards the optional Sink.
	// Default: 256
	SinkQueue int
}

// DefaultConfig returns a Config with the defaults documented on each field.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:  5 * time.Second,
		ProbeTimeout:   2 * time.Second,
		ProbeWorkers:   8,
		Period:         time.Minute,
		SeriesCapacity: 60,
		EventCapacity:  100,
		StaleAfter:     time.Minute,
		SinkQueue:      256,
	}
}

// ApplyDefaults replaces zero or negative fields with their defaults.
func (c Config) ApplyDefaults() Config {
	d := DefaultConfig()
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.ProbeWorkers <= 0 {
		c.ProbeWorkers = d.ProbeWorkers
	}
	if c.Period <= 0 {
		c.Period = d.Period
	}
	if c.SeriesCapacity <= 0 {
		c.SeriesCapacity = d.SeriesCapacity
	}
	if c.EventCapacity <= 0 {
		c.EventCapacity = d.EventCapacity
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.SinkQueue <= 0 {
		c.SinkQueue = d.SinkQueue
	}
	return c
}

// Prober checks whether a node is reachable and returns the round trip.
type Prober interface {
	Probe(ctx context.Context, node model.Node) (time.Duration, error)
}

// Sink persists appended events and closed periods. Calls come from a
// single goroutine.
type Sink interface {
	AppendEvents(ctx context.Context, events []Event) error
	AppendPeriod(ctx context.Context, group model.Group, p Period) error
}

// Metrics receives probe and sink measurements.
type Metrics interface {
	// RecordProbe counts one probe; result is "ok", "fail" or "cancelled".
	RecordProbe(group, result string)
	IncSinkDrops()
}

// Option configures an Aggregator.
type Option func(*Aggregator)

func WithProber(p Prober) Option { return func(a *Aggregator) { a.prober = p } }

// WithSink enables asynchronous persistence through a bounded queue.
func WithSink(s Sink) Option { return func(a *Aggregator) { a.sink = s } }

func WithLogger(l logging.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(a *Aggregator) {
		if m != nil {
			a.metrics = m
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(a *Aggregator) {
		if t != nil {
			a.tracer = t
		}
	}
}

// WithClock replaces time.Now for period boundaries and liveness.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

type sinkItem struct {
	events []Event
	group  model.Group
	period *Period
}

// Aggregator owns the EventLog, the per-group TimeSeries and the latest
// probe results. Only the aggregator mutates them; readers get copies.
type Aggregator struct {
	cfg     Config
	nodes   []model.Node
	prober  Prober
	sink    Sink
	log     logging.Logger
	metrics Metrics
	tracer  trace.Tracer
	now     func() time.Time

	mu      sync.RWMutex
	events  *Ring[Event]
	series  map[model.Group]*Ring[Period]
	open    map[model.Group]*Period
	probes  map[model.NodeID]NodeStatus
	links   []core.Link
	summary Summary

	queue   chan sinkItem
	dropped atomic.Uint64
	running atomic.Bool
}

// New builds an aggregator monitoring nodes.
func New(cfg Config, nodes []model.Node, opts ...Option) *Aggregator {
	cfg = cfg.ApplyDefaults()
	a := &Aggregator{
		cfg:     cfg,
		nodes:   append([]model.Node(nil), nodes...),
		log:     logging.Noop(),
		metrics: noopMetrics{},
		tracer:  otel.Tracer("github.com/signalsfoundry/constellation-emulator/internal/telemetry"),
		now:     time.Now,
		events:  NewRing[Event](cfg.EventCapacity),
		series:  make(map[model.Group]*Ring[Period], len(model.Groups)),
		open:    make(map[model.Group]*Period, len(model.Groups)),
		probes:  make(map[model.NodeID]NodeStatus, len(nodes)),
		queue:   make(chan sinkItem, cfg.SinkQueue),
	}
	for _, g := range model.Groups {
		a.series[g] = NewRing[Period](cfg.SeriesCapacity)
	}
	a.summary.Nodes = len(nodes)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Config returns the effective configuration.
func (a *Aggregator) Config() Config { return a.cfg }

// Run drives the probe loop and the sink writer until ctx is done. It
// returns nil on cancellation.
func (a *Aggregator) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer a.running.Store(false)

	var eg errgroup.Group
	if a.sink != nil {
		eg.Go(func() error {
			a.drainSink(ctx)
			return nil
		})
	}
	if a.prober != nil {
		eg.Go(func() error {
			a.probeLoop(ctx)
			return nil
		})
	}
	return eg.Wait()
}

func (a *Aggregator) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		a.ProbeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProbeOnce probes every monitored node once on a bounded pool, folds the
// results into the open periods and returns them in node order. Probes cut
// short by ctx are marked Cancelled and counted apart from ok and fail.
func (a *Aggregator) ProbeOnce(ctx context.Context) []ProbeResult {
	if a.prober == nil || ctx.Err() != nil {
		return nil
	}
	ctx, span := a.tracer.Start(ctx, "telemetry.probe_cycle", trace.WithAttributes(
		attribute.Int("nodes", len(a.nodes)),
	))
	defer span.End()

	results := make([]ProbeResult, len(a.nodes))
	var eg errgroup.Group
	eg.SetLimit(a.cfg.ProbeWorkers)
	for i := range a.nodes {
		eg.Go(func() error {
			results[i] = a.probe(ctx, a.nodes[i])
			return nil
		})
	}
	_ = eg.Wait()

	a.recordProbes(results)
	return results
}

func (a *Aggregator) probe(ctx context.Context, node model.Node) ProbeResult {
	pctx, cancel := context.WithTimeout(ctx, a.cfg.ProbeTimeout)
	defer cancel()

	rtt, err := a.prober.Probe(pctx, node)
	res := ProbeResult{
		Node:      node.ID,
		Group:     node.Group(),
		OK:        err == nil,
		RTT:       rtt,
		Timestamp: a.now(),
	}
	result := "ok"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		res.Cancelled = true
		res.Error = err.Error()
		result = "cancelled"
	default:
		res.Error = (&ProbeFailure{Node: node.ID, Err: err}).Error()
		result = "fail"
		a.log.Debug(ctx, "probe failed",
			logging.String("node", string(node.ID)),
			logging.Err(err),
		)
	}
	a.metrics.RecordProbe(string(res.Group), result)
	return res
}

func (a *Aggregator) recordProbes(results []ProbeResult) {
	now := a.now()

	a.mu.Lock()
	for _, g := range model.Groups {
		if a.open[g] == nil {
			a.open[g] = &Period{Start: now}
		}
	}
	for _, r := range results {
		// A cancelled probe says nothing about reachability.
		if r.Cancelled {
			a.summary.ProbesCancelled++
			continue
		}
		p := a.open[r.Group]
		if p == nil {
			continue
		}
		st := a.probes[r.Node]
		st.Last = r
		if r.OK {
			p.OK++
			st.LastSuccess = r.Timestamp
		} else {
			p.Fail++
		}
		a.probes[r.Node] = st
	}
	var closed []sinkItem
	for _, g := range model.Groups {
		p := a.open[g]
		if now.Sub(p.Start) < a.cfg.Period {
			continue
		}
		done := *p
		done.End = now
		a.series[g].Append(done)
		a.open[g] = &Period{Start: now}
		closed = append(closed, sinkItem{group: g, period: &done})
	}
	a.mu.Unlock()

	for _, it := range closed {
		a.enqueue(it)
	}
}

// RecordTick appends the tick's transitions to the EventLog in diff order,
// each followed by the failed or cancelled dispatches of its endpoints. All
// entries carry the simulated timestamp of the transition.
func (a *Aggregator) RecordTick(ctx context.Context, snap *core.Snapshot, transitions []core.Transition, batch *gateway.BatchResult) {
	var appended []Event
	ups, downs := core.Counts(transitions)
	succeeded, failed, cancelled := batch.Counts()

	a.mu.Lock()
	for k, t := range transitions {
		kind := EventLinkUp
		if t.Direction == core.Down {
			kind = EventLinkDown
		}
		appended = append(appended, a.appendLocked(Event{
			Timestamp:   t.Timestamp,
			Kind:        kind,
			Description: t.String(),
			Pair:        t.Pair,
		}))
		if batch == nil || k >= len(batch.Transitions) {
			continue
		}
		for _, ep := range batch.Transitions[k].Endpoints {
			var dk EventKind
			switch ep.Outcome {
			case gateway.Failed:
				dk = EventDispatchFailed
			case gateway.Cancelled:
				dk = EventDispatchCancelled
			default:
				continue
			}
			desc := string(dk)
			if ep.Err != nil {
				desc = ep.Err.Error()
			}
			appended = append(appended, a.appendLocked(Event{
				Timestamp:   t.Timestamp,
				Kind:        dk,
				Description: desc,
				Pair:        t.Pair,
				Node:        ep.Instruction.Node,
			}))
		}
	}

	s := &a.summary
	s.Ticks++
	if snap != nil {
		s.SimTime = snap.Time()
		s.Elapsed = snap.Elapsed()
		a.links = snap.Links()
	}
	s.Links = len(a.links)
	s.LastUps, s.LastDowns = ups, downs
	s.TotalUps += ups
	s.TotalDowns += downs
	s.DispatchSucceeded += succeeded
	s.DispatchFailed += failed
	s.DispatchCancelled += cancelled
	a.mu.Unlock()

	if len(appended) > 0 {
		a.enqueue(sinkItem{events: appended})
	}
	if failed > 0 || cancelled > 0 {
		a.log.Info(ctx, "dispatch incomplete",
			logging.Int("failed", failed),
			logging.Int("cancelled", cancelled),
		)
	}
}

func (a *Aggregator) appendLocked(e Event) Event {
	e.ID = logging.NewID()
	a.events.Append(e)
	return e
}

func (a *Aggregator) enqueue(it sinkItem) {
	if a.sink == nil {
		return
	}
	select {
	case a.queue <- it:
	default:
		a.dropped.Add(1)
		a.metrics.IncSinkDrops()
	}
}

func (a *Aggregator) drainSink(ctx context.Context) {
	for {
		select {
		case it := <-a.queue:
			a.write(ctx, it)
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkFlushTimeout)
			defer cancel()
			for {
				select {
				case it := <-a.queue:
					a.write(fctx, it)
				default:
					return
				}
			}
		}
	}
}

func (a *Aggregator) write(ctx context.Context, it sinkItem) {
	var err error
	if it.period != nil {
		err = a.sink.AppendPeriod(ctx, it.group, *it.period)
	} else {
		err = a.sink.AppendEvents(ctx, it.events)
	}
	if err != nil {
		a.log.Warn(ctx, "telemetry sink write failed", logging.Err(err))
	}
}

// Events returns a copy of the EventLog, oldest first.
func (a *Aggregator) Events() []Event {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.events.Items()
}

// TimeSeries returns the closed periods of group, oldest first.
func (a *Aggregator) TimeSeries(group model.Group) []Period {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.series[group]
	if !ok {
		return nil
	}
	return r.Items()
}

// LatestProbes returns the last probe of every probed node sorted by node.
// A node is inactive when it has not answered within StaleAfter.
func (a *Aggregator) LatestProbes() []NodeStatus {
	now := a.now()

	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]NodeStatus, 0, len(a.probes))
	for _, st := range a.probes {
		st.Active = !st.LastSuccess.IsZero() && now.Sub(st.LastSuccess) < a.cfg.StaleAfter
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Last.Node < out[j].Last.Node })
	return out
}

// Links returns the links of the last recorded snapshot.
func (a *Aggregator) Links() []core.Link {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]core.Link(nil), a.links...)
}

// Summary returns the topology summary of the last recorded tick.
func (a *Aggregator) Summary() Summary {
	a.mu.RLock()
	s := a.summary
	a.mu.RUnlock()
	s.SinkDropped = a.dropped.Load()
	return s
}

// Dropped is the number of sink items discarded on a full queue.
func (a *Aggregator) Dropped() uint64 { return a.dropped.Load() }

type noopMetrics struct{}

func (noopMetrics) RecordProbe(string, string) {}
func (noopMetrics) IncSinkDrops()              {}
