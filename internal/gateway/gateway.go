// Package gateway pushes link transitions to the per-node agents. Each
// transition becomes one instruction per endpoint; instructions run on a
// bounded worker pool with a per-attempt timeout and retry with exponential
// backoff, and one node's failure never holds back the others.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/constellation-emulator/core"
	"github.com/signalsfoundry/constellation-emulator/internal/frr"
	"github.com/signalsfoundry/constellation-emulator/internal/logging"
	"github.com/signalsfoundry/constellation-emulator/kb"
	"github.com/signalsfoundry/constellation-emulator/model"
)

const (
	backoffMultiplier    = 2.0
	backoffRandomization = 0.25
)

// Config bounds the dispatch of one batch. A batch waits at most
// WorstCaseLatency, which is Timeout x MaxAttempts plus the capped,
// randomised backoff before each retry, so it is longer than
// Timeout x MaxAttempts alone.
type Config struct {
	// Workers caps concurrent node lanes; each lane is one node.
	// Default: 16
	Workers int
	// Timeout bounds a single attempt.
	// Default: 5s
	Timeout time.Duration
	// MaxAttempts includes the first try.
	// Default: 3
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultConfig returns a Config with the defaults documented on each field.
func DefaultConfig() Config {
	return Config{
		Workers:        16,
		Timeout:        5 * time.Second,
		MaxAttempts:    3,
		BackoffInitial: 200 * time.Millisecond,
		BackoffMax:     2 * time.Second,
	}
}

// ApplyDefaults replaces zero or invalid fields with their defaults.
func (c Config) ApplyDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = d.BackoffInitial
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	return c
}

// WorstCaseLatency is the longest a single instruction can take: every
// attempt timing out plus the largest randomised wait before each retry.
// Apply never waits longer than this for a batch.
func (c Config) WorstCaseLatency() time.Duration {
	c = c.ApplyDefaults()
	total := time.Duration(c.MaxAttempts) * c.Timeout
	interval := float64(c.BackoffInitial)
	for i := 1; i < c.MaxAttempts; i++ {
		capped := interval
		if capped > float64(c.BackoffMax) {
			capped = float64(c.BackoffMax)
		}
		total += time.Duration(capped * (1 + backoffRandomization))
		interval *= backoffMultiplier
	}
	return total
}

// Outcome is the final state of one instruction or transition.
type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Instruction tells one node to bring its link towards Peer up or down.
type Instruction struct {
	Pair         core.Pair
	Node         model.NodeID
	Peer         model.NodeID
	Interface    string
	Up           bool
	DelayMs      float64
	LocalAddress string
	PeerAddress  string
	Timestamp    time.Time
}

// ControlSurface applies an instruction on its node. Implementations must
// return promptly once ctx is done.
type ControlSurface interface {
	SetLink(ctx context.Context, in Instruction) error
}

// Addresser resolves interface names and addresses for a node's side of a
// link. *frr.Plan implements it.
type Addresser interface {
	Endpoint(node, peer model.NodeID) (iface, local, remote string)
}

// Metrics receives dispatch measurements.
type Metrics interface {
	ObserveAttempt(d time.Duration)
	RecordDispatch(result string)
}

// InstructionResult is the outcome slot of one instruction.
type InstructionResult struct {
	Instruction Instruction
	Outcome     Outcome
	Attempts    int
	Err         error
	Duration    time.Duration
}

// TransitionResult combines the outcomes of both endpoints of a transition.
type TransitionResult struct {
	Transition core.Transition
	Outcome    Outcome
	Endpoints  [2]InstructionResult
}

// BatchResult is returned by Apply. Instructions follow dispatch order and
// Transitions follow diff order.
type BatchResult struct {
	Started      time.Time
	Elapsed      time.Duration
	Instructions []InstructionResult
	Transitions  []TransitionResult
}

// Counts tallies instruction outcomes.
func (b *BatchResult) Counts() (succeeded, failed, cancelled int) {
	if b == nil {
		return 0, 0, 0
	}
	for _, r := range b.Instructions {
		switch r.Outcome {
		case Succeeded:
			succeeded++
		case Failed:
			failed++
		case Cancelled:
			cancelled++
		}
	}
	return succeeded, failed, cancelled
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithLogger(l logging.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(g *Gateway) {
		if m != nil {
			g.metrics = m
		}
	}
}

// WithKnowledgeBase records every successfully applied instruction.
func WithKnowledgeBase(k *kb.LinkStateBase) Option {
	return func(g *Gateway) { g.kb = k }
}

func WithAddresser(a Addresser) Option {
	return func(g *Gateway) {
		if a != nil {
			g.addr = a
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(g *Gateway) {
		if t != nil {
			g.tracer = t
		}
	}
}

// Gateway dispatches instruction batches to a ControlSurface.
type Gateway struct {
	cfg     Config
	surface ControlSurface
	addr    Addresser
	kb      *kb.LinkStateBase
	log     logging.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// New builds a Gateway. Zero Config fields take their defaults.
func New(cfg Config, surface ControlSurface, opts ...Option) (*Gateway, error) {
	if surface == nil {
		return nil, errors.New("gateway: nil control surface")
	}
	g := &Gateway{
		cfg:     cfg.ApplyDefaults(),
		surface: surface,
		addr:    interfaceOnly{},
		log:     logging.Noop(),
		metrics: noopMetrics{},
		tracer:  otel.Tracer("github.com/signalsfoundry/constellation-emulator/internal/gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Config returns the effective configuration.
func (g *Gateway) Config() Config { return g.cfg }

// Instructions expands transitions into per-endpoint instructions: for each
// transition, endpoint A then endpoint B.
func (g *Gateway) Instructions(transitions []core.Transition) []Instruction {
	out := make([]Instruction, 0, 2*len(transitions))
	for _, t := range transitions {
		for _, node := range [2]model.NodeID{t.Pair.A, t.Pair.B} {
			peer := t.Pair.Other(node)
			iface, local, remote := g.addr.Endpoint(node, peer)
			out = append(out, Instruction{
				Pair:         t.Pair,
				Node:         node,
				Peer:         peer,
				Interface:    iface,
				Up:           t.Direction == core.Up,
				DelayMs:      t.Link.DelayMs,
				LocalAddress: local,
				PeerAddress:  remote,
				Timestamp:    t.Timestamp,
			})
		}
	}
	return out
}

// Apply dispatches the transitions and waits for every instruction to reach
// an outcome, at most WorstCaseLatency. Each node gets its own lane: a lane
// holds one worker and runs that node's instructions in dispatch order, so an
// unreachable node never occupies more than one worker. Once a node has used
// up its attempts, the rest of its lane fails at once. Cancelling ctx records
// pending and in-flight instructions as cancelled.
func (g *Gateway) Apply(ctx context.Context, transitions []core.Transition) *BatchResult {
	started := time.Now()
	instrs := g.Instructions(transitions)
	res := &BatchResult{Started: started, Instructions: make([]InstructionResult, len(instrs))}

	if len(instrs) > 0 {
		batchCtx, cancel := context.WithTimeoutCause(ctx, g.cfg.WorstCaseLatency(), ErrBatchDeadline)
		defer cancel()

		var eg errgroup.Group
		eg.SetLimit(g.cfg.Workers)
		for _, lane := range lanes(instrs) {
			eg.Go(func() error {
				var gaveUp error
				for _, i := range lane {
					r := g.dispatch(ctx, batchCtx, instrs[i], gaveUp)
					res.Instructions[i] = r
					if gaveUp == nil && g.exhausted(r) {
						gaveUp = r.Err
					}
				}
				return nil
			})
		}
		_ = eg.Wait()
	}

	res.Transitions = make([]TransitionResult, len(transitions))
	for k, t := range transitions {
		a, b := res.Instructions[2*k], res.Instructions[2*k+1]
		res.Transitions[k] = TransitionResult{
			Transition: t,
			Outcome:    combine(a.Outcome, b.Outcome),
			Endpoints:  [2]InstructionResult{a, b},
		}
	}
	res.Elapsed = time.Since(started)
	return res
}

// lanes groups instruction indices by node, ordered by each node's first
// instruction.
func lanes(instrs []Instruction) [][]int {
	byNode := make(map[model.NodeID]int)
	var out [][]int
	for i, in := range instrs {
		k, ok := byNode[in.Node]
		if !ok {
			k = len(out)
			byNode[in.Node] = k
			out = append(out, nil)
		}
		out[k] = append(out[k], i)
	}
	return out
}

// exhausted reports a failure that spent every attempt on a retryable error,
// i.e. the node did not answer. Rejections are per instruction and do not
// count.
func (g *Gateway) exhausted(r InstructionResult) bool {
	return r.Outcome == Failed && r.Attempts >= g.cfg.MaxAttempts && !permanent(r.Err)
}

func combine(a, b Outcome) Outcome {
	switch {
	case a == Succeeded && b == Succeeded:
		return Succeeded
	case a == Cancelled || b == Cancelled:
		return Cancelled
	default:
		return Failed
	}
}

// dispatch runs one instruction. A non-nil gaveUp skips the attempts and
// fails the instruction with ErrNodeGaveUp.
func (g *Gateway) dispatch(parent, batchCtx context.Context, in Instruction, gaveUp error) InstructionResult {
	start := time.Now()
	ctx, span := g.tracer.Start(batchCtx, "gateway.dispatch", trace.WithAttributes(
		attribute.String("node", string(in.Node)),
		attribute.String("peer", string(in.Peer)),
		attribute.Bool("up", in.Up),
	))
	defer span.End()

	r := InstructionResult{Instruction: in}
	switch {
	case gaveUp != nil:
		r.Err = fmt.Errorf("%w: %v", ErrNodeGaveUp, gaveUp)
	case batchCtx.Err() != nil:
		r.Err = context.Cause(batchCtx)
	default:
		r.Attempts, r.Err = g.attempt(ctx, in)
	}
	r.Duration = time.Since(start)

	switch {
	case r.Err == nil:
		r.Outcome = Succeeded
		g.record(ctx, in)
	case parent.Err() != nil:
		r.Outcome = Cancelled
		r.Err = &CancellationError{Node: in.Node, Peer: in.Peer, Err: r.Err}
		g.log.Debug(ctx, "instruction cancelled",
			logging.String("node", string(in.Node)),
			logging.String("peer", string(in.Peer)),
		)
	default:
		cause := r.Err
		if batchCtx.Err() != nil && errors.Is(context.Cause(batchCtx), ErrBatchDeadline) && !errors.Is(cause, ErrBatchDeadline) && !errors.Is(cause, ErrNodeGaveUp) {
			cause = fmt.Errorf("%w: %v", ErrBatchDeadline, cause)
		}
		r.Outcome = Failed
		r.Err = &DispatchFailure{Node: in.Node, Peer: in.Peer, Attempts: r.Attempts, Err: cause}
		g.log.Warn(ctx, "instruction failed",
			logging.String("node", string(in.Node)),
			logging.String("peer", string(in.Peer)),
			logging.Bool("up", in.Up),
			logging.Int("attempts", r.Attempts),
			logging.Err(cause),
		)
	}

	span.SetAttributes(attribute.String("outcome", r.Outcome.String()), attribute.Int("attempts", r.Attempts))
	if r.Outcome != Succeeded {
		span.SetStatus(codes.Error, r.Err.Error())
	}
	g.metrics.RecordDispatch(r.Outcome.String())
	return r
}

func (g *Gateway) attempt(ctx context.Context, in Instruction) (int, error) {
	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()

		t0 := time.Now()
		err := g.surface.SetLink(actx, in)
		g.metrics.ObserveAttempt(time.Since(t0))
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(context.Cause(ctx))
		}
		if permanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(g.newBackOff()),
		backoff.WithMaxTries(uint(g.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.log.Debug(ctx, "retrying instruction",
				logging.String("node", string(in.Node)),
				logging.String("peer", string(in.Peer)),
				logging.Duration("backoff", next),
				logging.Err(err),
			)
		}),
	)
	return attempts, err
}

func (g *Gateway) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.BackoffInitial
	b.MaxInterval = g.cfg.BackoffMax
	b.Multiplier = backoffMultiplier
	b.RandomizationFactor = backoffRandomization
	return b
}

func (g *Gateway) record(ctx context.Context, in Instruction) {
	if g.kb == nil {
		return
	}
	err := g.kb.RecordApplied(in.Node, kb.AppliedLink{
		Peer:      in.Peer,
		Interface: in.Interface,
		Up:        in.Up,
		DelayMs:   in.DelayMs,
		AppliedAt: in.Timestamp,
	})
	if err != nil {
		g.log.Warn(ctx, "record applied link", logging.Err(err))
	}
}

// permanent reports agent rejections that a retry cannot fix.
func permanent(err error) bool {
	switch status.Code(err) {
	case grpccodes.InvalidArgument, grpccodes.FailedPrecondition, grpccodes.Unimplemented, grpccodes.PermissionDenied:
		return true
	}
	return false
}

type interfaceOnly struct{}

func (interfaceOnly) Endpoint(node, peer model.NodeID) (string, string, string) {
	return frr.InterfaceName(node, peer), "", ""
}

type noopMetrics struct{}

func (noopMetrics) ObserveAttempt(time.Duration) {}
func (noopMetrics) RecordDispatch(string)        {}
