package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"

	"qms/access-service/internal/logging"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown := Setup(context.Background(), Config{ServiceName: "access-service"}, logging.Discard())
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("expected noop shutdown, got %v", err)
	}
	fields := otel.GetTextMapPropagator().Fields()
	found := false
	for _, field := range fields {
		if field == "traceparent" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected trace context propagation, got fields %v", fields)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("ACCESS_TRACE_SAMPLE_RATIO", "0.25")

	cfg, err := ConfigFromEnv("access-service", "local")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.ServiceName != "access-service" || cfg.IdentityMode != "local" {
		t.Fatalf("unexpected identity: %+v", cfg)
	}
	if cfg.Endpoint != "collector:4317" || !cfg.Insecure || cfg.SampleRatio != 0.25 {
		t.Fatalf("unexpected exporter config: %+v", cfg)
	}
	if cfg.ServiceVersion != "dev" {
		t.Fatalf("expected default version, got %q", cfg.ServiceVersion)
	}
}

func TestSamplerBounds(t *testing.T) {
	cases := map[float64]string{
		1:    "ParentBased{root:AlwaysOnSampler",
		0:    "ParentBased{root:AlwaysOffSampler",
		0.5:  "ParentBased{root:TraceIDRatioBased{0.5}",
		-1:   "ParentBased{root:AlwaysOffSampler",
		1.75: "ParentBased{root:AlwaysOnSampler",
	}
	for ratio, prefix := range cases {
		got := sampler(ratio).Description()
		if len(got) < len(prefix) || got[:len(prefix)] != prefix {
			t.Fatalf("ratio %v: expected %q prefix, got %q", ratio, prefix, got)
		}
	}
}
