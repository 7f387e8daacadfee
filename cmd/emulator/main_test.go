package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/constellation-emulator/internal/agent"
	"github.com/signalsfoundry/constellation-emulator/internal/api"
	"github.com/signalsfoundry/constellation-emulator/internal/config"
	"github.com/signalsfoundry/constellation-emulator/internal/logging"
	"github.com/signalsfoundry/constellation-emulator/internal/telemetry"
	"github.com/signalsfoundry/constellation-emulator/model"
)

// triangleConfig is one ring of three nodes high enough that every ring
// neighbour is in view.
const triangleConfig = `
constellation:
  rings: 1
  nodes_per_ring: 3
  inclination_deg: 90
  altitude_km: 10000
  raan_spread_deg: 360
  ring_periods: ["360s"]
  epoch: "2025-01-01T00:00:00Z"
visibility:
  ring_range_km: 30000
  cross_ring_range_km: 0
  ground_range_km: 3000
  min_separation_km: 100
  min_elevation_deg: 15
  earth_occlusion: true
scheduler:
  tick_interval: "20ms"
  time_step: "10s"
  mode: realtime
gateway:
  workers: 4
  timeout: "1s"
  max_attempts: 2
  backoff_initial: "10ms"
  backoff_max: "50ms"
telemetry:
  probe_interval: "50ms"
  probe_timeout: "500ms"
logging:
  level: warn
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "emulator.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", "--config", writeConfig(t, triangleConfig))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "ok: constellation 1x3") || !strings.Contains(out, "3 nodes") {
		t.Fatalf("validate output = %q", out)
	}
}

func TestValidateReportsConfigurationError(t *testing.T) {
	bad := strings.Replace(triangleConfig, "nodes_per_ring: 3", "nodes_per_ring: 0", 1)
	_, err := execute(t, "validate", "--config", writeConfig(t, bad))
	if err == nil {
		t.Fatalf("expected error for zero nodes per ring")
	}
	if _, ok := config.AsConfigurationError(err); !ok {
		t.Fatalf("err = %v, want a configuration error", err)
	}
}

func TestPlanCommand(t *testing.T) {
	out, err := execute(t, "plan", "--config", writeConfig(t, triangleConfig), "--at", "0s")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var doc planOutput
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decode plan output: %v\n%s", err, out)
	}
	if len(doc.Links) != 3 || len(doc.Positions) != 3 {
		t.Fatalf("plan has %d links and %d positions, want 3 and 3", len(doc.Links), len(doc.Positions))
	}
	if !doc.Time.Equal(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("plan time = %s", doc.Time)
	}

	if _, err := execute(t, "plan", "--config", writeConfig(t, triangleConfig), "--at", "-1s"); err == nil {
		t.Fatalf("expected error for negative --at")
	}
}

func TestRenderFRRCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "render-frr", "--config", writeConfig(t, triangleConfig), "--out", dir)
	if err != nil {
		t.Fatalf("render-frr: %v", err)
	}
	if !strings.Contains(out, "3 nodes") {
		t.Fatalf("render-frr output = %q", out)
	}
	conf, err := os.ReadFile(filepath.Join(dir, "R0_0", "frr.conf"))
	if err != nil {
		t.Fatalf("read frr.conf: %v", err)
	}
	if !strings.Contains(string(conf), "R0_0-to-R0_1") {
		t.Fatalf("frr.conf lacks the ring interface:\n%s", conf)
	}
}

// startAgent serves a node agent on a loopback port and returns it with its
// address.
func startAgent(t *testing.T, node string) (*agent.Server, string) {
	t.Helper()
	srv, err := agent.NewServer(node)
	if err != nil {
		t.Fatalf("agent.NewServer: %v", err)
	}
	gs, _ := agent.NewGRPCServer(srv, nil, nil)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return srv, lis.Addr().String()
}

func TestRunDrivesAgentsAndServesAPI(t *testing.T) {
	agents := make(map[string]*agent.Server)
	var overrides strings.Builder
	overrides.WriteString("  agent_addresses:\n")
	for slot := 0; slot < 3; slot++ {
		node := string(model.RingNodeID(0, slot))
		srv, addr := startAgent(t, node)
		agents[node] = srv
		fmt.Fprintf(&overrides, "    %s: %q\n", node, addr)
	}
	body := strings.Replace(triangleConfig, "gateway:\n", "gateway:\n"+overrides.String(), 1)

	cfg, err := config.Parse([]byte(body))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	cfg.Metrics.Addr = ""

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log := logging.New(logging.Config{Level: "warn", Format: "text", Output: &bytes.Buffer{}})
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg, log, lis, prometheus.NewRegistry())
	}()

	base := "http://" + lis.Addr().String()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var sum telemetry.Summary
		if getJSON(base+"/api/v1/topology", &sum) == nil && sum.Ticks >= 2 && sum.DispatchSucceeded == 6 && allLinked(agents) {
			if sum.Links != 3 || sum.TotalUps != 3 || sum.DispatchFailed != 0 {
				t.Fatalf("summary = %+v", sum)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("emulator never brought up all agent links (last summary %+v)", sum)
		}
		time.Sleep(20 * time.Millisecond)
	}

	var applied []api.NodeApplied
	if err := getJSON(base+"/api/v1/applied", &applied); err != nil || len(applied) != 3 {
		t.Fatalf("applied = %+v, %v", applied, err)
	}
	for _, n := range applied {
		if n.LinksUp != 2 {
			t.Fatalf("%s has %d applied links up, want 2", n.Node, n.LinksUp)
		}
	}
	var health api.Health
	if err := getJSON(base+"/healthz", &health); err != nil || health.SimTime == nil || !health.SimTime.After(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("healthz = %+v, %v; want a sim time past the epoch", health, err)
	}

	for {
		var probes []telemetry.NodeStatus
		if getJSON(base+"/api/v1/probes", &probes) == nil && len(probes) == 3 && probes[0].Active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agents never answered health probes (last %+v)", probes)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func allLinked(agents map[string]*agent.Server) bool {
	for _, srv := range agents {
		up := 0
		for _, l := range srv.Links() {
			if l.Up {
				up++
			}
		}
		if up != 2 {
			return false
		}
	}
	return true
}

func getJSON(url string, out any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
