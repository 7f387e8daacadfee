package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/constellation-emulator/core"
	"github.com/signalsfoundry/constellation-emulator/internal/gateway"
	"github.com/signalsfoundry/constellation-emulator/internal/telemetry"
	"github.com/signalsfoundry/constellation-emulator/model"
	"github.com/signalsfoundry/constellation-emulator/timectrl"
)

var epoch = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// polarSpec has two perpendicular rings of three with a 360 s period. The
// same-slot pair on slot 2 closes to within cross-ring range between 25 s
// and 50 s.
func polarSpec() core.ConstellationSpec {
	return core.ConstellationSpec{
		Rings:          2,
		NodesPerRing:   3,
		InclinationDeg: 90,
		AltitudeKm:     10000,
		RAANSpreadDeg:  180,
		RingPeriods:    []time.Duration{360 * time.Second, 360 * time.Second},
		Epoch:          epoch,
	}
}

func polarThresholds() core.Thresholds {
	return core.Thresholds{
		RingRangeKm:      30000,
		CrossRingRangeKm: 5788,
		GroundRangeKm:    3000,
		MinSeparationKm:  100,
		MinElevationDeg:  15,
		EarthOcclusion:   true,
	}
}

type okSurface struct {
	mu    sync.Mutex
	calls int
}

func (s *okSurface) SetLink(context.Context, gateway.Instruction) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return nil
}

// blockingSurface holds every call until its context ends and signals the
// first one on started.
type blockingSurface struct {
	once    sync.Once
	started chan struct{}
}

func (s *blockingSurface) SetLink(ctx context.Context, _ gateway.Instruction) error {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return ctx.Err()
}

type transitionCount struct{ ups, downs int }

type fakeMetrics struct {
	mu          sync.Mutex
	ticks       int
	transitions []transitionCount
	nodes       int
	links       int
}

func (m *fakeMetrics) ObserveTick(time.Duration) {
	m.mu.Lock()
	m.ticks++
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordTransitions(ups, downs int) {
	m.mu.Lock()
	m.transitions = append(m.transitions, transitionCount{ups, downs})
	m.mu.Unlock()
}

func (m *fakeMetrics) SetTopology(nodes, links int) {
	m.mu.Lock()
	m.nodes, m.links = nodes, links
	m.mu.Unlock()
}

type fixture struct {
	engine  *Engine
	agg     *telemetry.Aggregator
	metrics *fakeMetrics
	sched   *timectrl.Scheduler
}

func newFixture(t *testing.T, spec core.ConstellationSpec, th core.Thresholds, surface gateway.ControlSurface, sched *timectrl.Scheduler) fixture {
	t.Helper()

	c, err := core.NewConstellation(spec)
	if err != nil {
		t.Fatalf("NewConstellation: %v", err)
	}
	vis, err := core.NewVisibilityCalculator(th)
	if err != nil {
		t.Fatalf("NewVisibilityCalculator: %v", err)
	}
	gw, err := gateway.New(gateway.Config{Workers: 16, Timeout: 5 * time.Second, MaxAttempts: 1}, surface)
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	agg := telemetry.New(telemetry.DefaultConfig(), c.Nodes())
	if sched == nil {
		sched = timectrl.NewScheduler(spec.Epoch, time.Second, 25*time.Second, timectrl.Accelerated)
	}
	metrics := &fakeMetrics{}
	e, err := New(c, core.NewBuilder(c, core.NewMotionModel(c), vis), sched, gw, agg, WithMetrics(metrics))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{engine: e, agg: agg, metrics: metrics, sched: sched}
}

func waitDone(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("engine did not stop")
	}
}

func TestAcceleratedRunEmitsOnlyChanges(t *testing.T) {
	surface := &okSurface{}
	sched := timectrl.NewScheduler(epoch, time.Second, 25*time.Second, timectrl.Accelerated)
	sched.Duration = 50 * time.Second
	f := newFixture(t, polarSpec(), polarThresholds(), surface, sched)

	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, f.engine)
	f.engine.Stop()

	events := f.agg.Events()
	if len(events) != 8 {
		t.Fatalf("got %d events, want 8: %+v", len(events), events)
	}
	for i, ev := range events[:6] {
		if ev.Kind != telemetry.EventLinkUp || !ev.Timestamp.Equal(epoch) {
			t.Fatalf("event %d = %+v, want link_up at epoch", i, ev)
		}
	}
	slot2 := core.NewPair(model.RingNodeID(0, 2), model.RingNodeID(1, 2))
	up, down := events[6], events[7]
	if up.Kind != telemetry.EventLinkUp || up.Pair != slot2 || !up.Timestamp.Equal(epoch.Add(25*time.Second)) {
		t.Fatalf("event 6 = %+v, want %s up at 25s", up, slot2)
	}
	if down.Kind != telemetry.EventLinkDown || down.Pair != slot2 || !down.Timestamp.Equal(epoch.Add(50*time.Second)) {
		t.Fatalf("event 7 = %+v, want %s down at 50s", down, slot2)
	}

	sum := f.agg.Summary()
	if sum.Ticks != 3 || sum.TotalUps != 7 || sum.TotalDowns != 1 || sum.DispatchSucceeded != 16 {
		t.Fatalf("summary = %+v", sum)
	}
	if surface.calls != 16 {
		t.Fatalf("surface calls = %d, want 16", surface.calls)
	}

	want := []transitionCount{{6, 0}, {1, 0}, {0, 1}}
	if len(f.metrics.transitions) != len(want) {
		t.Fatalf("transition metrics = %+v, want %+v", f.metrics.transitions, want)
	}
	for i := range want {
		if f.metrics.transitions[i] != want[i] {
			t.Fatalf("transition metrics = %+v, want %+v", f.metrics.transitions, want)
		}
	}
	if f.metrics.ticks != 3 || f.metrics.nodes != 6 || f.metrics.links != 6 {
		t.Fatalf("metrics = %+v", f.metrics)
	}
}

func TestGroundStationPassProducesSingleDown(t *testing.T) {
	sat := core.ConstellationSpec{
		Rings:          1,
		NodesPerRing:   2,
		InclinationDeg: 60,
		AltitudeKm:     550,
		RAANSpreadDeg:  360,
		RingPeriods:    []time.Duration{360 * time.Second},
		Epoch:          epoch,
	}
	bare, err := core.NewConstellation(sat)
	if err != nil {
		t.Fatalf("NewConstellation: %v", err)
	}
	below := core.NewMotionModel(bare).Positions(0)[model.RingNodeID(0, 0)]

	spec := sat
	spec.GroundStations = []core.SiteSpec{{Name: "gs", LatDeg: below.LatDeg, LonDeg: below.LonDeg}}
	th := core.Thresholds{
		RingRangeKm:     1000,
		GroundRangeKm:   3000,
		MinSeparationKm: 10,
		MinElevationDeg: 15,
		EarthOcclusion:  true,
	}
	f := newFixture(t, spec, th, &okSurface{}, nil)
	ctx := context.Background()

	first := f.engine.Tick(ctx, 0)
	pass := core.NewPair(model.RingNodeID(0, 0), "gs")
	if len(first.Transitions) != 1 || first.Transitions[0].Pair != pass || first.Transitions[0].Direction != core.Up {
		t.Fatalf("first tick transitions = %v, want %s up", first.Transitions, pass)
	}
	if link, ok := first.Snapshot.Link(pass); !ok || link.Class != core.ClassUplink {
		t.Fatalf("uplink missing from first snapshot: %+v", link)
	}

	second := f.engine.Tick(ctx, 60*time.Second)
	if len(second.Transitions) != 1 || second.Transitions[0].Direction != core.Down {
		t.Fatalf("second tick transitions = %v, want one down", second.Transitions)
	}
	if first.TickID == "" || first.TickID == second.TickID {
		t.Fatalf("tick ids %q and %q must be distinct", first.TickID, second.TickID)
	}

	downs := 0
	for _, ev := range f.agg.Events() {
		if ev.Kind == telemetry.EventLinkDown {
			downs++
			if ev.Pair != pass {
				t.Fatalf("unexpected down event %+v", ev)
			}
		}
	}
	if downs != 1 {
		t.Fatalf("got %d link_down events, want 1", downs)
	}
}

func TestStopCancelsInFlightBatch(t *testing.T) {
	surface := &blockingSurface{started: make(chan struct{})}
	f := newFixture(t, polarSpec(), polarThresholds(), surface, nil)

	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-surface.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatch never started")
	}

	stopped := make(chan struct{})
	go func() {
		f.engine.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop did not return while a batch was in flight")
	}
	if f.engine.State() != timectrl.Stopped {
		t.Fatalf("state = %s, want stopped", f.engine.State())
	}

	sum := f.agg.Summary()
	if sum.Ticks != 1 || sum.DispatchCancelled != 12 || sum.DispatchSucceeded != 0 {
		t.Fatalf("summary = %+v, want 12 cancelled instructions", sum)
	}
	cancelled := 0
	for _, ev := range f.agg.Events() {
		if ev.Kind == telemetry.EventDispatchCancelled {
			cancelled++
		}
	}
	if cancelled != 12 {
		t.Fatalf("got %d dispatch_cancelled events, want 12", cancelled)
	}
}

func TestEngineDoesNotRestart(t *testing.T) {
	f := newFixture(t, polarSpec(), polarThresholds(), &okSurface{}, nil)
	ctx := context.Background()

	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.engine.Start(ctx); !errors.Is(err, timectrl.ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
	f.engine.Stop()
	waitDone(t, f.engine)

	if err := f.engine.Start(ctx); !errors.Is(err, timectrl.ErrStopped) {
		t.Fatalf("Start after Stop = %v, want ErrStopped", err)
	}
	f.engine.Stop()
}

func TestNewRequiresPipeline(t *testing.T) {
	c, err := core.NewConstellation(polarSpec())
	if err != nil {
		t.Fatalf("NewConstellation: %v", err)
	}
	vis, err := core.NewVisibilityCalculator(polarThresholds())
	if err != nil {
		t.Fatalf("NewVisibilityCalculator: %v", err)
	}
	b := core.NewBuilder(c, core.NewMotionModel(c), vis)
	sched := timectrl.NewScheduler(epoch, time.Second, time.Second, timectrl.Accelerated)
	gw, err := gateway.New(gateway.DefaultConfig(), &okSurface{})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}

	if _, err := New(nil, b, sched, gw, nil); err == nil {
		t.Fatalf("expected error without constellation")
	}
	if _, err := New(c, b, nil, gw, nil); err == nil {
		t.Fatalf("expected error without scheduler")
	}
	if _, err := New(c, b, sched, nil, nil); err == nil {
		t.Fatalf("expected error without gateway")
	}
	if _, err := New(c, b, sched, gw, nil); err != nil {
		t.Fatalf("aggregator should be optional: %v", err)
	}
}
