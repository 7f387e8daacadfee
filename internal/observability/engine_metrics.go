package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/constellation-emulator/kb"
)

// EngineCollector exposes tick pipeline metrics: topology size, transitions,
// dispatch outcomes and probe results.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	TickDuration     prometheus.Histogram
	Transitions      *prometheus.CounterVec
	Nodes            prometheus.Gauge
	Links            prometheus.Gauge
	DispatchOutcomes *prometheus.CounterVec
	AttemptDuration  prometheus.Histogram
	ClientRPCs       *prometheus.CounterVec
	ProbeOutcomes    *prometheus.CounterVec
	SinkDrops        prometheus.Counter
	AppliedLinksUp   prometheus.Gauge
}

// NewEngineCollector registers engine metrics against the provided registerer.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	reg, gatherer := registryPair(reg)

	tick, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "emulator_tick_duration_seconds",
		Help:    "Wall-clock duration of one tick: build, diff, dispatch and record.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}), "emulator_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emulator_link_transitions_total",
		Help: "Link transitions detected by the differ, labeled by direction.",
	}, []string{"direction"}), "emulator_link_transitions_total")
	if err != nil {
		return nil, err
	}

	nodes, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "emulator_nodes",
		Help: "Number of nodes in the emulated topology.",
	}), "emulator_nodes")
	if err != nil {
		return nil, err
	}

	links, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "emulator_links_up",
		Help: "Number of links up in the latest snapshot.",
	}), "emulator_links_up")
	if err != nil {
		return nil, err
	}

	outcomes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emulator_dispatch_outcomes_total",
		Help: "Per-node instruction outcomes, labeled by result.",
	}, []string{"result"}), "emulator_dispatch_outcomes_total")
	if err != nil {
		return nil, err
	}

	attempts, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "emulator_dispatch_attempt_duration_seconds",
		Help:    "Duration of a single control surface attempt.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}), "emulator_dispatch_attempt_duration_seconds")
	if err != nil {
		return nil, err
	}

	client, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emulator_agent_client_requests_total",
		Help: "Agent RPCs issued by the emulator, labeled by method and gRPC status code.",
	}, []string{"method", "code"}), "emulator_agent_client_requests_total")
	if err != nil {
		return nil, err
	}

	probes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emulator_probe_outcomes_total",
		Help: "Reachability probe results, labeled by node group and result.",
	}, []string{"group", "result"}), "emulator_probe_outcomes_total")
	if err != nil {
		return nil, err
	}

	drops, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "emulator_sink_dropped_total",
		Help: "Telemetry records dropped because the sink queue was full.",
	}), "emulator_sink_dropped_total")
	if err != nil {
		return nil, err
	}

	applied, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "emulator_applied_links_up",
		Help: "Link endpoints whose agent last acknowledged them as up.",
	}), "emulator_applied_links_up")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{
		gatherer:         gatherer,
		TickDuration:     tick,
		Transitions:      transitions,
		Nodes:            nodes,
		Links:            links,
		DispatchOutcomes: outcomes,
		AttemptDuration:  attempts,
		ClientRPCs:       client,
		ProbeOutcomes:    probes,
		SinkDrops:        drops,
		AppliedLinksUp:   applied,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EngineCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *EngineCollector) Handler() http.Handler {
	if c == nil {
		return handlerFor(nil)
	}
	return handlerFor(c.gatherer)
}

// ObserveTick records a tick duration measurement.
func (c *EngineCollector) ObserveTick(d time.Duration) {
	if c == nil || c.TickDuration == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
}

// RecordTransitions adds one tick's diff counts.
func (c *EngineCollector) RecordTransitions(ups, downs int) {
	if c == nil || c.Transitions == nil {
		return
	}
	c.Transitions.WithLabelValues("up").Add(float64(ups))
	c.Transitions.WithLabelValues("down").Add(float64(downs))
}

// SetTopology updates the node and link gauges.
func (c *EngineCollector) SetTopology(nodes, links int) {
	if c == nil {
		return
	}
	if c.Nodes != nil {
		c.Nodes.Set(float64(nodes))
	}
	if c.Links != nil {
		c.Links.Set(float64(links))
	}
}

// RecordDispatch counts one instruction outcome ("succeeded", "failed",
// "cancelled").
func (c *EngineCollector) RecordDispatch(result string) {
	if c == nil || c.DispatchOutcomes == nil {
		return
	}
	c.DispatchOutcomes.WithLabelValues(result).Inc()
}

// ObserveAttempt records the duration of one control surface call.
func (c *EngineCollector) ObserveAttempt(d time.Duration) {
	if c == nil || c.AttemptDuration == nil {
		return
	}
	c.AttemptDuration.Observe(d.Seconds())
}

// RecordProbe counts a probe result ("ok", "fail", "cancelled") for the
// node's group.
func (c *EngineCollector) RecordProbe(group, result string) {
	if c == nil || c.ProbeOutcomes == nil {
		return
	}
	c.ProbeOutcomes.WithLabelValues(group, result).Inc()
}

// IncSinkDrops counts one record dropped by the telemetry sink queue.
func (c *EngineCollector) IncSinkDrops() {
	if c == nil || c.SinkDrops == nil {
		return
	}
	c.SinkDrops.Inc()
}

// RecordAppliedLink moves the applied-links gauge by one acknowledged change.
func (c *EngineCollector) RecordAppliedLink(wasUp, up bool) {
	if c == nil || c.AppliedLinksUp == nil || wasUp == up {
		return
	}
	if up {
		c.AppliedLinksUp.Inc()
	} else {
		c.AppliedLinksUp.Dec()
	}
}

// TrackAppliedLinks keeps the applied-links gauge in step with k until the
// returned function is called.
func (c *EngineCollector) TrackAppliedLinks(k *kb.LinkStateBase) (unsubscribe func()) {
	if c == nil || k == nil {
		return func() {}
	}
	return k.Subscribe(func(ev kb.Event) {
		if ev.Type == kb.EventLinkApplied {
			c.RecordAppliedLink(ev.WasUp, ev.Link.Up)
		}
	})
}

// UnaryClientInterceptor counts outgoing agent RPCs by method and status code.
func (c *EngineCollector) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		if c == nil || c.ClientRPCs == nil {
			return err
		}
		_, name := SplitMethod(method)
		c.ClientRPCs.WithLabelValues(name, status.Code(err).String()).Inc()
		return err
	}
}
