package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/constellation-emulator/internal/agentrpc"
	"github.com/signalsfoundry/constellation-emulator/model"
)

// NodePlaceholder is replaced by the node ID in agent address templates.
const NodePlaceholder = "{node}"

// AgentConns caches one gRPC client connection per agent address. It is
// shared by the control surface and the health prober.
type AgentConns struct {
	template  string
	overrides map[model.NodeID]string
	dialOpts  []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewAgentConns resolves addresses from template ("{node}" is substituted)
// unless overrides names the node explicitly. Extra dial options are
// appended to the defaults: insecure transport and the otelgrpc client
// stats handler.
func NewAgentConns(template string, overrides map[string]string, opts ...grpc.DialOption) *AgentConns {
	o := make(map[model.NodeID]string, len(overrides))
	for k, v := range overrides {
		o[model.NodeID(k)] = v
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)
	return &AgentConns{
		template:  template,
		overrides: o,
		dialOpts:  dialOpts,
		conns:     make(map[string]*grpc.ClientConn),
	}
}

// Address returns the agent address of node.
func (a *AgentConns) Address(node model.NodeID) (string, error) {
	if addr, ok := a.overrides[node]; ok && addr != "" {
		return addr, nil
	}
	if a.template == "" {
		return "", fmt.Errorf("no agent address for node %s", node)
	}
	return strings.ReplaceAll(a.template, NodePlaceholder, string(node)), nil
}

// Conn returns the cached connection for node, creating it on first use.
// Connections are established lazily by gRPC.
func (a *AgentConns) Conn(node model.NodeID) (grpc.ClientConnInterface, error) {
	addr, err := a.Address(node)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if cc, ok := a.conns[addr]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(addr, a.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create client for %s (%s): %w", node, addr, err)
	}
	a.conns[addr] = cc
	return cc, nil
}

// Close closes every cached connection.
func (a *AgentConns) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for addr, cc := range a.conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(a.conns, addr)
	}
	return errors.Join(errs...)
}

// GRPCControlSurface sends instructions to agents over LinkControl/SetLink.
type GRPCControlSurface struct {
	conns *AgentConns
}

// NewGRPCControlSurface wraps a connection cache.
func NewGRPCControlSurface(conns *AgentConns) *GRPCControlSurface {
	return &GRPCControlSurface{conns: conns}
}

// SetLink implements ControlSurface. An acknowledgement with applied=false
// is an error and will be retried.
func (s *GRPCControlSurface) SetLink(ctx context.Context, in Instruction) error {
	cc, err := s.conns.Conn(in.Node)
	if err != nil {
		return err
	}
	resp, err := agentrpc.NewClient(cc).SetLink(ctx, &agentrpc.SetLinkRequest{
		Node:         string(in.Node),
		Peer:         string(in.Peer),
		Interface:    in.Interface,
		Up:           in.Up,
		DelayMs:      in.DelayMs,
		LocalAddress: in.LocalAddress,
		PeerAddress:  in.PeerAddress,
	})
	if err != nil {
		return err
	}
	if !resp.Applied {
		return fmt.Errorf("agent %s did not apply link to %s: %s", in.Node, in.Peer, resp.Message)
	}
	return nil
}
