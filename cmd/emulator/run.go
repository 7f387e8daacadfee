package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/constellation-emulator/core"
	"github.com/signalsfoundry/constellation-emulator/internal/api"
	"github.com/signalsfoundry/constellation-emulator/internal/config"
	"github.com/signalsfoundry/constellation-emulator/internal/engine"
	"github.com/signalsfoundry/constellation-emulator/internal/frr"
	"github.com/signalsfoundry/constellation-emulator/internal/gateway"
	"github.com/signalsfoundry/constellation-emulator/internal/logging"
	"github.com/signalsfoundry/constellation-emulator/internal/observability"
	"github.com/signalsfoundry/constellation-emulator/internal/store/postgres"
	"github.com/signalsfoundry/constellation-emulator/internal/telemetry"
	"github.com/signalsfoundry/constellation-emulator/kb"
	"github.com/signalsfoundry/constellation-emulator/timectrl"
)

const serviceName = "constellation-emulator"

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the tick loop, the read API and the metrics endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdown, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(serviceName), log)
			if err != nil {
				log.Warn(ctx, "tracing disabled", logging.Err(err))
			}
			defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

			return run(ctx, cfg, log, nil, prometheus.NewRegistry())
		},
	}
}

// pipeline holds everything the tick loop is assembled from.
type pipeline struct {
	constellation *core.Constellation
	builder       *core.Builder
	plan          *frr.Plan
	links         *kb.LinkStateBase
	conns         *gateway.AgentConns
	gateway       *gateway.Gateway
	aggregator    *telemetry.Aggregator
	db            *sql.DB
}

func (p *pipeline) Close() error {
	var errs []error
	if p.conns != nil {
		errs = append(errs, p.conns.Close())
	}
	if p.db != nil {
		errs = append(errs, p.db.Close())
	}
	return errors.Join(errs...)
}

func buildModel(cfg *config.Config) (*core.Constellation, *core.Builder, error) {
	spec, err := cfg.ConstellationSpec()
	if err != nil {
		return nil, nil, err
	}
	c, err := core.NewConstellation(spec)
	if err != nil {
		return nil, nil, err
	}
	vis, err := core.NewVisibilityCalculator(cfg.Thresholds())
	if err != nil {
		return nil, nil, err
	}
	return c, core.NewBuilder(c, core.NewMotionModel(c), vis), nil
}

func buildPlan(cfg *config.Config, c *core.Constellation, b *core.Builder) (*frr.Plan, error) {
	linkPrefix, err := cfg.LinkPrefix()
	if err != nil {
		return nil, err
	}
	loopbackPrefix, err := cfg.LoopbackPrefix()
	if err != nil {
		return nil, err
	}
	return frr.NewPlan(c.Nodes(), b.Candidates(), linkPrefix, loopbackPrefix)
}

func buildPipeline(ctx context.Context, cfg *config.Config, log logging.Logger, collector *observability.EngineCollector, dialOpts ...grpc.DialOption) (*pipeline, error) {
	c, b, err := buildModel(cfg)
	if err != nil {
		return nil, err
	}
	plan, err := buildPlan(cfg, c, b)
	if err != nil {
		return nil, err
	}
	p := &pipeline{constellation: c, builder: b, plan: plan, links: kb.NewLinkStateBase()}

	dialOpts = append([]grpc.DialOption{grpc.WithChainUnaryInterceptor(collector.UnaryClientInterceptor())}, dialOpts...)
	p.conns = gateway.NewAgentConns(cfg.Gateway.AgentAddressTemplate, cfg.Gateway.AgentAddresses, dialOpts...)

	p.gateway, err = gateway.New(gateway.Config{
		Workers:        cfg.Gateway.Workers,
		Timeout:        cfg.Gateway.Timeout,
		MaxAttempts:    cfg.Gateway.MaxAttempts,
		BackoffInitial: cfg.Gateway.BackoffInitial,
		BackoffMax:     cfg.Gateway.BackoffMax,
	}, gateway.NewGRPCControlSurface(p.conns),
		gateway.WithLogger(log),
		gateway.WithMetrics(collector),
		gateway.WithKnowledgeBase(p.links),
		gateway.WithAddresser(plan),
	)
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	aggOpts := []telemetry.Option{
		telemetry.WithProber(telemetry.NewHealthProber(p.conns)),
		telemetry.WithLogger(log),
		telemetry.WithMetrics(collector),
	}
	if dsn := cfg.Postgres.DSN; dsn != "" {
		p.db, err = postgres.Open(ctx, dsn)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		sink := postgres.NewSink(p.db)
		if err := sink.EnsureSchema(ctx); err != nil {
			_ = p.Close()
			return nil, err
		}
		aggOpts = append(aggOpts, telemetry.WithSink(sink))
		log.Info(ctx, "persisting telemetry to postgres")
	}
	tc := cfg.Telemetry
	p.aggregator = telemetry.New(telemetry.Config{
		ProbeInterval:  tc.ProbeInterval,
		ProbeTimeout:   tc.ProbeTimeout,
		ProbeWorkers:   tc.ProbeWorkers,
		Period:         tc.Period,
		SeriesCapacity: tc.SeriesCapacity,
		EventCapacity:  tc.EventCapacity,
		StaleAfter:     tc.StaleAfter,
		SinkQueue:      tc.SinkQueue,
	}, c.Nodes(), aggOpts...)
	return p, nil
}

// run serves until ctx is cancelled or a bounded run reaches its duration.
// apiLis overrides cfg.API.Addr when non-nil.
func run(ctx context.Context, cfg *config.Config, log logging.Logger, apiLis net.Listener, reg *prometheus.Registry, dialOpts ...grpc.DialOption) error {
	collector, err := observability.NewEngineCollector(reg)
	if err != nil {
		return fmt.Errorf("metrics collector: %w", err)
	}
	p, err := buildPipeline(ctx, cfg, log, collector, dialOpts...)
	if err != nil {
		return err
	}
	defer p.Close()

	mode, err := cfg.SchedulerMode()
	if err != nil {
		return err
	}
	sched := timectrl.NewScheduler(p.constellation.Epoch(), cfg.Scheduler.TickInterval, cfg.Scheduler.TimeStep, mode)
	sched.Duration = cfg.Scheduler.Duration

	e, err := engine.New(p.constellation, p.builder, sched, p.gateway, p.aggregator,
		engine.WithLogger(log),
		engine.WithMetrics(collector),
	)
	if err != nil {
		return err
	}

	defer collector.TrackAppliedLinks(p.links)()

	apiSrv, err := api.New(p.aggregator, p.constellation,
		api.WithLogger(log),
		api.WithKnowledgeBase(p.links),
		api.WithClock(sched),
		api.WithMetricsHandler(collector.Handler()),
	)
	if err != nil {
		return err
	}
	if apiLis == nil {
		apiLis, err = net.Listen("tcp", cfg.API.Addr)
		if err != nil {
			return fmt.Errorf("listen api %s: %w", cfg.API.Addr, err)
		}
	}
	httpSrv := &http.Server{Handler: apiSrv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpSrv.Serve(apiLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(ctx, "api server exited", logging.Err(err))
		}
	}()
	log.Info(ctx, "serving read api", logging.String("addr", apiLis.Addr().String()))

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" && cfg.Metrics.Addr != cfg.API.Addr {
		metricsSrv = serveMetrics(ctx, cfg.Metrics.Addr, collector, log)
	}

	if err := e.Start(ctx); err != nil {
		return err
	}
	log.Info(ctx, "emulator running", logging.String("constellation", cfg.String()))

	select {
	case <-ctx.Done():
		log.Info(ctx, "shutting down emulator")
	case <-e.Done():
		log.Info(ctx, "scheduled run complete", logging.Duration("duration", cfg.Scheduler.Duration))
	}
	e.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, collector *observability.EngineCollector, log logging.Logger) *http.Server {
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
