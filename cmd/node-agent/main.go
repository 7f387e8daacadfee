// Command node-agent serves the link control surface of one emulated node.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/constellation-emulator/internal/agent"
	"github.com/signalsfoundry/constellation-emulator/internal/logging"
	"github.com/signalsfoundry/constellation-emulator/internal/observability"
)

// Config is the command line of the agent.
type Config struct {
	Node           string
	ListenAddress  string
	MetricsAddress string
	ApplyUp        string
	ApplyDown      string
	LogLevel       string
	LogFormat      string
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.Node, "node", os.Getenv("EMU_NODE"), "node ID this agent serves, e.g. R0_1")
	flag.StringVar(&cfg.ListenAddress, "grpc-addr", ":50051", "TCP address the LinkControl gRPC server listens on")
	flag.StringVar(&cfg.MetricsAddress, "metrics-addr", ":9091", "HTTP address for Prometheus /metrics; empty disables")
	flag.StringVar(&cfg.ApplyUp, "apply-cmd-up", "", "text/template shell command run when a link comes up")
	flag.StringVar(&cfg.ApplyDown, "apply-cmd-down", "", "text/template shell command run when a link goes down")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "debug, info, warn or error")
	flag.StringVar(&cfg.LogFormat, "log-format", "text", "text or json")
	flag.Parse()

	log := logging.NewFromEnv(cfg.LogLevel, cfg.LogFormat).With(logging.String("node", cfg.Node))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv("node-agent"), log)
	if err != nil {
		log.Warn(ctx, "tracing disabled", logging.Err(err))
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	if err := run(ctx, cfg, log, nil); err != nil {
		log.Error(ctx, "node agent failed", logging.Err(err))
		os.Exit(1)
	}
}

// run serves until ctx is done. lis overrides cfg.ListenAddress when non-nil.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	if cfg.Node == "" {
		return errors.New("--node is required")
	}

	collector, err := observability.NewAgentCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("metrics collector: %w", err)
	}

	opts := []agent.Option{agent.WithLogger(log), agent.WithMetrics(collector)}
	if cfg.ApplyUp != "" || cfg.ApplyDown != "" {
		applier, err := agent.NewCommandApplier(cfg.ApplyUp, cfg.ApplyDown)
		if err != nil {
			return err
		}
		opts = append(opts, agent.WithApplier(applier))
	}
	srv, err := agent.NewServer(cfg.Node, opts...)
	if err != nil {
		return err
	}
	gs, health := agent.NewGRPCServer(srv, log, collector)

	if lis == nil {
		lis, err = net.Listen("tcp", cfg.ListenAddress)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.ListenAddress, err)
		}
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddress != "" {
		metricsSrv = serveMetrics(ctx, cfg.MetricsAddress, collector, log)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- gs.Serve(lis) }()
	log.Info(ctx, "node agent listening", logging.String("addr", lis.Addr().String()))

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
	}

	log.Info(context.Background(), "shutting down node agent")
	health.Shutdown()
	gs.GracefulStop()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, collector *observability.AgentCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(ctx, "metrics server exited", logging.Err(err))
		}
	}()
	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
