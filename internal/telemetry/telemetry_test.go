package telemetry

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/signalsfoundry/constellation-emulator/core"
	"github.com/signalsfoundry/constellation-emulator/internal/gateway"
	"github.com/signalsfoundry/constellation-emulator/model"
)

var (
	wallStart = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	simStart  = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeProber struct {
	mu      sync.Mutex
	failing map[model.NodeID]bool
	block   map[model.NodeID]bool
}

func (p *fakeProber) setFailing(id model.NodeID, v bool) {
	p.mu.Lock()
	p.failing[id] = v
	p.mu.Unlock()
}

func (p *fakeProber) Probe(ctx context.Context, node model.Node) (time.Duration, error) {
	p.mu.Lock()
	fail, block := p.failing[node.ID], p.block[node.ID]
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if fail {
		return 0, errors.New("unreachable")
	}
	return time.Millisecond, nil
}

type fakeMetrics struct {
	mu     sync.Mutex
	probes map[string]int
	drops  int
}

func newFakeMetrics() *fakeMetrics { return &fakeMetrics{probes: make(map[string]int)} }

func (m *fakeMetrics) RecordProbe(group, result string) {
	m.mu.Lock()
	m.probes[group+"/"+result]++
	m.mu.Unlock()
}

func (m *fakeMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probes[key]
}

func (m *fakeMetrics) IncSinkDrops() {
	m.mu.Lock()
	m.drops++
	m.mu.Unlock()
}

func testNodes() []model.Node {
	return []model.Node{
		{ID: "R0_0", Kind: model.KindRingNode, Ring: 0, Slot: 0},
		{ID: "R0_1", Kind: model.KindRingNode, Ring: 0, Slot: 1},
		{ID: "berlin", Kind: model.KindGroundStation, Ring: -1, Slot: -1},
	}
}

func TestRingEvictsOnlyOnAppend(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 3; i++ {
		if r.Append(i) {
			t.Fatalf("append %d evicted below capacity", i)
		}
	}
	if got := r.Items(); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("items = %v, want [1 2 3]", got)
	}
	if !r.Append(4) {
		t.Fatalf("append at capacity did not evict")
	}
	got := r.Items()
	if len(got) != 3 || got[0] != 2 || got[1] != 3 || got[2] != 4 {
		t.Fatalf("items = %v, want [2 3 4]", got)
	}
	got[0] = 99
	if r.Items()[0] != 2 {
		t.Fatalf("Items exposed internal storage")
	}
	if NewRing[string](0).Cap() != 1 {
		t.Fatalf("zero capacity not raised to one")
	}
}

func TestPeriodsCloseOnBoundary(t *testing.T) {
	clock := &fakeClock{t: wallStart}
	prober := &fakeProber{failing: map[model.NodeID]bool{"R0_1": true}}
	metrics := newFakeMetrics()
	agg := New(Config{Period: time.Minute}, testNodes(),
		WithProber(prober), WithClock(clock.Now), WithMetrics(metrics))
	ctx := context.Background()

	agg.ProbeOnce(ctx)
	clock.Advance(30 * time.Second)
	agg.ProbeOnce(ctx)
	if n := len(agg.TimeSeries(model.GroupDynamic)); n != 0 {
		t.Fatalf("open period visible to readers: %d closed periods", n)
	}

	clock.Advance(30 * time.Second)
	agg.ProbeOnce(ctx)

	dyn := agg.TimeSeries(model.GroupDynamic)
	if len(dyn) != 1 {
		t.Fatalf("dynamic periods = %d, want 1", len(dyn))
	}
	want := Period{Start: wallStart, End: wallStart.Add(time.Minute), OK: 3, Fail: 3}
	if dyn[0] != want {
		t.Fatalf("dynamic period = %+v, want %+v", dyn[0], want)
	}
	stable := agg.TimeSeries(model.GroupStable)
	if len(stable) != 1 || stable[0].OK != 3 || stable[0].Fail != 0 {
		t.Fatalf("stable periods = %+v", stable)
	}

	clock.Advance(30 * time.Second)
	agg.ProbeOnce(ctx)
	if n := len(agg.TimeSeries(model.GroupDynamic)); n != 1 {
		t.Fatalf("period closed early: %d closed periods", n)
	}
	if agg.TimeSeries("unknown") != nil {
		t.Fatalf("unknown group returned a series")
	}

	if metrics.probes["dynamic/fail"] != 4 || metrics.probes["stable/ok"] != 4 {
		t.Fatalf("probe metrics = %v", metrics.probes)
	}
}

func TestSeriesCapacity(t *testing.T) {
	clock := &fakeClock{t: wallStart}
	agg := New(Config{Period: time.Second, SeriesCapacity: 2}, testNodes(),
		WithProber(&fakeProber{}), WithClock(clock.Now))

	agg.ProbeOnce(context.Background())
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		agg.ProbeOnce(context.Background())
	}
	series := agg.TimeSeries(model.GroupDynamic)
	if len(series) != 2 {
		t.Fatalf("periods = %d, want 2", len(series))
	}
	if !series[0].Start.Equal(wallStart.Add(time.Second)) {
		t.Fatalf("oldest period starts %s, want the second window", series[0].Start)
	}
}

func TestProbeTimeoutCountsAsFailure(t *testing.T) {
	prober := &fakeProber{block: map[model.NodeID]bool{"R0_1": true}}
	agg := New(Config{ProbeTimeout: 20 * time.Millisecond}, testNodes(), WithProber(prober))

	start := time.Now()
	results := agg.ProbeOnce(context.Background())
	if time.Since(start) > time.Second {
		t.Fatalf("probe cycle not bounded by the probe timeout")
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[1].Node != "R0_1" || results[1].OK || !strings.Contains(results[1].Error, "deadline exceeded") {
		t.Fatalf("blocked probe = %+v", results[1])
	}
	if !results[0].OK || !results[2].OK {
		t.Fatalf("healthy probes failed: %+v", results)
	}

	err := error(&ProbeFailure{Node: "R0_1", Err: context.DeadlineExceeded})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ProbeFailure does not unwrap")
	}
}

func TestCancelledProbesAreCountedApart(t *testing.T) {
	prober := &fakeProber{block: map[model.NodeID]bool{"R0_1": true}}
	metrics := newFakeMetrics()
	agg := New(Config{ProbeTimeout: 10 * time.Second}, testNodes(), WithProber(prober), WithMetrics(metrics))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	results := agg.ProbeOnce(ctx)

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if !results[1].Cancelled || results[1].OK {
		t.Fatalf("interrupted probe = %+v, want cancelled", results[1])
	}
	if !results[0].OK || !results[2].OK {
		t.Fatalf("completed probes = %+v", results)
	}
	if got := agg.Summary().ProbesCancelled; got != 1 {
		t.Fatalf("ProbesCancelled = %d, want 1", got)
	}
	if metrics.count("dynamic/cancelled") != 1 || metrics.count("dynamic/fail") != 0 {
		t.Fatalf("probe metrics = %v", metrics.probes)
	}

	latest := agg.LatestProbes()
	if len(latest) != 2 {
		t.Fatalf("latest probes = %+v, want the two completed nodes", latest)
	}
	for _, st := range latest {
		if st.Last.Node == "R0_1" {
			t.Fatalf("cancelled probe replaced the status of R0_1: %+v", st)
		}
	}
}

type concurrencyProber struct {
	inFlight atomic.Int32
	max      atomic.Int32
}

func (p *concurrencyProber) Probe(context.Context, model.Node) (time.Duration, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		m := p.max.Load()
		if n <= m || p.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return 0, nil
}

func TestProbePoolIsBounded(t *testing.T) {
	var nodes []model.Node
	for i := 0; i < 8; i++ {
		nodes = append(nodes, model.Node{ID: model.RingNodeID(0, i), Kind: model.KindRingNode, Slot: i})
	}
	prober := &concurrencyProber{}
	agg := New(Config{ProbeWorkers: 2}, nodes, WithProber(prober))
	agg.ProbeOnce(context.Background())
	if m := prober.max.Load(); m > 2 {
		t.Fatalf("max concurrent probes = %d, want at most 2", m)
	}
}

func TestNodeLiveness(t *testing.T) {
	clock := &fakeClock{t: wallStart}
	prober := &fakeProber{failing: map[model.NodeID]bool{"R0_1": true}}
	agg := New(Config{StaleAfter: time.Minute}, testNodes(), WithProber(prober), WithClock(clock.Now))

	agg.ProbeOnce(context.Background())
	active := map[model.NodeID]bool{}
	for _, st := range agg.LatestProbes() {
		active[st.Last.Node] = st.Active
	}
	if !active["R0_0"] || active["R0_1"] || !active["berlin"] {
		t.Fatalf("liveness after first cycle = %v", active)
	}

	prober.setFailing("berlin", true)
	clock.Advance(61 * time.Second)
	agg.ProbeOnce(context.Background())
	for _, st := range agg.LatestProbes() {
		if st.Last.Node == "berlin" {
			if st.Active || st.Last.OK || !st.LastSuccess.Equal(wallStart) {
				t.Fatalf("berlin status = %+v", st)
			}
		}
	}
}

func dispatchBatch() *gateway.BatchResult {
	ok := func(node model.NodeID) gateway.InstructionResult {
		return gateway.InstructionResult{Instruction: gateway.Instruction{Node: node}, Outcome: gateway.Succeeded, Attempts: 1}
	}
	failed := gateway.InstructionResult{
		Instruction: gateway.Instruction{Node: "R1_0", Peer: "berlin"},
		Outcome:     gateway.Failed,
		Attempts:    3,
		Err:         &gateway.DispatchFailure{Node: "R1_0", Peer: "berlin", Attempts: 3, Err: errors.New("unavailable")},
	}
	cancelled := gateway.InstructionResult{
		Instruction: gateway.Instruction{Node: "berlin", Peer: "R1_0"},
		Outcome:     gateway.Cancelled,
		Err:         &gateway.CancellationError{Node: "berlin", Peer: "R1_0", Err: context.Canceled},
	}
	return &gateway.BatchResult{
		Instructions: []gateway.InstructionResult{ok("R0_0"), ok("R0_1"), failed, cancelled},
		Transitions: []gateway.TransitionResult{
			{Outcome: gateway.Succeeded, Endpoints: [2]gateway.InstructionResult{ok("R0_0"), ok("R0_1")}},
			{Outcome: gateway.Cancelled, Endpoints: [2]gateway.InstructionResult{failed, cancelled}},
		},
	}
}

func TestRecordTickEventsInDiffOrder(t *testing.T) {
	agg := New(Config{}, testNodes())
	at := simStart.Add(30 * time.Second)
	transitions := []core.Transition{
		{Pair: core.NewPair("R0_0", "R0_1"), Direction: core.Up, Timestamp: at},
		{Pair: core.NewPair("R1_0", "berlin"), Direction: core.Down, Timestamp: at},
	}

	agg.RecordTick(context.Background(), nil, transitions, dispatchBatch())

	events := agg.Events()
	wantKinds := []EventKind{EventLinkUp, EventLinkDown, EventDispatchFailed, EventDispatchCancelled}
	if len(events) != len(wantKinds) {
		t.Fatalf("events = %d, want %d", len(events), len(wantKinds))
	}
	seen := map[string]bool{}
	for i, e := range events {
		if e.Kind != wantKinds[i] {
			t.Fatalf("event %d kind = %s, want %s", i, e.Kind, wantKinds[i])
		}
		if !e.Timestamp.Equal(at) {
			t.Fatalf("event %d timestamp = %s, want simulated %s", i, e.Timestamp, at)
		}
		if _, err := uuid.Parse(e.ID); err != nil || seen[e.ID] {
			t.Fatalf("event %d has bad or duplicate id %q", i, e.ID)
		}
		seen[e.ID] = true
	}
	if events[2].Node != "R1_0" || events[3].Node != "berlin" || events[3].Pair != core.NewPair("R1_0", "berlin") {
		t.Fatalf("dispatch events = %+v / %+v", events[2], events[3])
	}

	s := agg.Summary()
	if s.Ticks != 1 || s.Nodes != 3 || s.LastUps != 1 || s.LastDowns != 1 || s.TotalUps != 1 || s.TotalDowns != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if s.DispatchSucceeded != 2 || s.DispatchFailed != 1 || s.DispatchCancelled != 1 {
		t.Fatalf("dispatch summary = %+v", s)
	}

	agg.RecordTick(context.Background(), nil, nil, nil)
	if s := agg.Summary(); s.Ticks != 2 || s.LastUps != 0 || s.TotalUps != 1 {
		t.Fatalf("summary after empty tick = %+v", s)
	}
}

func TestEventLogCapacity(t *testing.T) {
	agg := New(Config{EventCapacity: 2}, testNodes())
	var transitions []core.Transition
	for i := 0; i < 3; i++ {
		transitions = append(transitions, core.Transition{
			Pair:      core.NewPair("R0_0", model.RingNodeID(1, i)),
			Direction: core.Up,
			Timestamp: simStart,
		})
	}
	agg.RecordTick(context.Background(), nil, transitions, nil)

	events := agg.Events()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Pair != transitions[1].Pair || events[1].Pair != transitions[2].Pair {
		t.Fatalf("kept %v, %v; want the two newest", events[0].Pair, events[1].Pair)
	}
}

type fakeSink struct {
	mu      sync.Mutex
	events  []Event
	periods map[model.Group][]Period
}

func (s *fakeSink) AppendEvents(_ context.Context, events []Event) error {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) AppendPeriod(_ context.Context, group model.Group, p Period) error {
	s.mu.Lock()
	if s.periods == nil {
		s.periods = make(map[model.Group][]Period)
	}
	s.periods[group] = append(s.periods[group], p)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestSinkQueueDropsWhenFull(t *testing.T) {
	sink := &fakeSink{}
	metrics := newFakeMetrics()
	agg := New(Config{SinkQueue: 1}, testNodes(), WithSink(sink), WithMetrics(metrics))
	up := []core.Transition{{Pair: core.NewPair("R0_0", "R0_1"), Direction: core.Up, Timestamp: simStart}}

	agg.RecordTick(context.Background(), nil, up, nil)
	agg.RecordTick(context.Background(), nil, up, nil)
	if agg.Dropped() != 1 || metrics.drops != 1 || agg.Summary().SinkDropped != 1 {
		t.Fatalf("dropped = %d, metric drops = %d", agg.Dropped(), metrics.drops)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for sink.eventCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("sink never received the queued events")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := agg.Run(ctx); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Run = %v, want ErrRunning", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestClosedPeriodsReachSink(t *testing.T) {
	clock := &fakeClock{t: wallStart}
	sink := &fakeSink{}
	agg := New(Config{Period: time.Second}, testNodes(), WithProber(&fakeProber{}), WithSink(sink), WithClock(clock.Now))

	agg.ProbeOnce(context.Background())
	clock.Advance(time.Second)
	agg.ProbeOnce(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A cancelled Run still flushes what is queued.
	if err := agg.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.periods[model.GroupDynamic]) != 1 || len(sink.periods[model.GroupStable]) != 1 {
		t.Fatalf("sink periods = %v", sink.periods)
	}
}

type connFunc func(model.NodeID) (grpc.ClientConnInterface, error)

func (f connFunc) Conn(id model.NodeID) (grpc.ClientConnInterface, error) { return f(id) }

func TestHealthProber(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	prober := NewHealthProber(connFunc(func(id model.NodeID) (grpc.ClientConnInterface, error) {
		if id == "ghost" {
			return nil, errors.New("no address")
		}
		return conn, nil
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	node := model.Node{ID: "R0_0", Kind: model.KindRingNode}
	if _, err := prober.Probe(ctx, node); err != nil {
		t.Fatalf("Probe serving agent: %v", err)
	}
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if _, err := prober.Probe(ctx, node); err == nil {
		t.Fatalf("expected failure for NOT_SERVING agent")
	}
	if _, err := prober.Probe(ctx, model.Node{ID: "ghost"}); err == nil {
		t.Fatalf("expected failure without a connection")
	}
}
