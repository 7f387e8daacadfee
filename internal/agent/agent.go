// Package agent implements the per-node link control surface. The agent keeps
// a table of its peer links and optionally runs a host command for each
// change.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/constellation-emulator/internal/agentrpc"
	"github.com/signalsfoundry/constellation-emulator/internal/frr"
	"github.com/signalsfoundry/constellation-emulator/internal/logging"
	"github.com/signalsfoundry/constellation-emulator/internal/observability"
	"github.com/signalsfoundry/constellation-emulator/model"
)

// Link is the agent's view of one peer link.
type Link struct {
	Peer         string    `json:"peer"`
	Interface    string    `json:"interface"`
	Up           bool      `json:"up"`
	DelayMs      float64   `json:"delay_ms"`
	LocalAddress string    `json:"local_address,omitempty"`
	PeerAddress  string    `json:"peer_address,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Metrics receives link table changes.
type Metrics interface {
	RecordLinkChange(up bool, linksUp int)
}

// Option configures a Server.
type Option func(*Server)

// WithApplier runs a on every state change before it is recorded.
func WithApplier(a Applier) Option { return func(s *Server) { s.applier = a } }

func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Server implements agentrpc.LinkControlServer for a single node.
type Server struct {
	node    string
	applier Applier
	log     logging.Logger
	metrics Metrics
	now     func() time.Time

	// mu also serialises applier runs so host commands never interleave.
	mu    sync.Mutex
	links map[string]Link
}

// NewServer builds the agent of node.
func NewServer(node string, opts ...Option) (*Server, error) {
	if node == "" {
		return nil, fmt.Errorf("%w: empty node id", ErrInvalidInstruction)
	}
	s := &Server{
		node:    node,
		log:     logging.Noop(),
		metrics: noopMetrics{},
		now:     time.Now,
		links:   make(map[string]Link),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Node returns the node this agent serves.
func (s *Server) Node() string { return s.node }

// SetLink validates and applies an instruction. Repeating the current state
// is acknowledged without running the applier.
func (s *Server) SetLink(ctx context.Context, req *agentrpc.SetLinkRequest) (*agentrpc.SetLinkResponse, error) {
	log := logging.LoggerFromContext(ctx)
	if log == nil {
		log = s.log
	}

	if err := s.validate(req); err != nil {
		log.Warn(ctx, "rejected instruction", logging.Err(err))
		return nil, ToStatusError(err)
	}
	iface := req.Interface
	if iface == "" {
		iface = frr.InterfaceName(model.NodeID(req.Node), model.NodeID(req.Peer))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.links[req.Peer]; ok && cur.Up == req.Up && cur.DelayMs == req.DelayMs {
		return &agentrpc.SetLinkResponse{Applied: true, Message: "unchanged"}, nil
	}

	if s.applier != nil {
		applied := *req
		applied.Interface = iface
		if err := s.applier.Apply(ctx, &applied); err != nil {
			err = fmt.Errorf("%w: link to %s: %v", ErrApplyFailed, req.Peer, err)
			log.Error(ctx, "link apply failed", logging.Err(err))
			return nil, ToStatusError(err)
		}
	}

	s.links[req.Peer] = Link{
		Peer:         req.Peer,
		Interface:    iface,
		Up:           req.Up,
		DelayMs:      req.DelayMs,
		LocalAddress: req.LocalAddress,
		PeerAddress:  req.PeerAddress,
		UpdatedAt:    s.now(),
	}
	up := s.upLocked()
	s.metrics.RecordLinkChange(req.Up, up)

	state := "down"
	if req.Up {
		state = "up"
	}
	log.Info(ctx, "link "+state,
		logging.String("peer", req.Peer),
		logging.String("interface", iface),
		logging.Float("delay_ms", req.DelayMs),
		logging.Int("links_up", up),
	)
	return &agentrpc.SetLinkResponse{Applied: true, Message: fmt.Sprintf("%s %s", iface, state)}, nil
}

func (s *Server) validate(req *agentrpc.SetLinkRequest) error {
	switch {
	case req == nil:
		return fmt.Errorf("%w: empty request", ErrInvalidInstruction)
	case req.Node == "" || req.Peer == "":
		return fmt.Errorf("%w: node and peer are required", ErrInvalidInstruction)
	case req.Peer == req.Node:
		return fmt.Errorf("%w: link to self", ErrInvalidInstruction)
	case req.DelayMs < 0:
		return fmt.Errorf("%w: negative delay %.3f ms", ErrInvalidInstruction, req.DelayMs)
	case req.Node != s.node:
		return fmt.Errorf("%w: got %s, this is %s", ErrWrongNode, req.Node, s.node)
	}
	return nil
}

func (s *Server) upLocked() int {
	n := 0
	for _, l := range s.links {
		if l.Up {
			n++
		}
	}
	return n
}

// Links returns the link table sorted by peer.
func (s *Server) Links() []Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Link, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// NewGRPCServer wires srv and a health service into a gRPC server with the
// request ID, tracing and metrics interceptors. The health status starts as
// SERVING.
func NewGRPCServer(srv *Server, log logging.Logger, collector *observability.AgentCollector, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	if log == nil {
		log = logging.Noop()
	}
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RequestIDUnaryServerInterceptor(log.With(logging.String("node", srv.Node()))),
			TracingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
	}, opts...)
	gs := grpc.NewServer(opts...)
	agentrpc.RegisterLinkControlServer(gs, srv)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

type noopMetrics struct{}

func (noopMetrics) RecordLinkChange(bool, int) {}
