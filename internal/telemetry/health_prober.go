package telemetry

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/constellation-emulator/model"
)

// ConnSource hands out client connections per node. *gateway.AgentConns
// implements it, so probes share the dispatch connections.
type ConnSource interface {
	Conn(node model.NodeID) (grpc.ClientConnInterface, error)
}

// HealthProber probes agents through the standard gRPC health service. Only
// SERVING counts as reachable.
type HealthProber struct {
	conns   ConnSource
	service string
}

// NewHealthProber checks the overall server health ("" service) of each
// agent.
func NewHealthProber(conns ConnSource) *HealthProber {
	return &HealthProber{conns: conns}
}

// Probe implements Prober.
func (p *HealthProber) Probe(ctx context.Context, node model.Node) (time.Duration, error) {
	cc, err := p.conns.Conn(node.ID)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	rtt := time.Since(start)
	if err != nil {
		return rtt, err
	}
	if st := resp.GetStatus(); st != healthpb.HealthCheckResponse_SERVING {
		return rtt, fmt.Errorf("agent reports %s", st)
	}
	return rtt, nil
}
