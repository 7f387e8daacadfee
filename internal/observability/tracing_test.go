package observability

import (
	"context"
	"testing"
)

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv(EnvTracingEnabled, "TRUE")
	t.Setenv(EnvTracingExporter, "OTLP")
	t.Setenv(EnvTracingSampleRatio, "0.25")
	t.Setenv(EnvOTLPEndpoint, "collector:4317")

	cfg := TracingConfigFromEnv("node-agent")
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.ServiceName != "node-agent" {
		t.Fatalf("service name = %q, want default", cfg.ServiceName)
	}
	if cfg.SampleRatio != 0.25 {
		t.Fatalf("sample ratio = %v, want 0.25", cfg.SampleRatio)
	}
}

func TestTracingConfigIgnoresBadRatio(t *testing.T) {
	t.Setenv(EnvTracingSampleRatio, "7")
	if cfg := TracingConfigFromEnv("emulator"); cfg.SampleRatio != 1 {
		t.Fatalf("sample ratio = %v, want fallback 1", cfg.SampleRatio)
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	ShutdownWithTimeout(context.Background(), shutdown, nil)
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Fatalf("expected error for unsupported exporter")
	}
}
