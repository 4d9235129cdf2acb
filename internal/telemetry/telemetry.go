// Package telemetry wires OpenTelemetry tracing for the access service.
package telemetry

import (
	"context"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"qms/access-service/internal/logging"
)

// Config is read from the standard OTEL_* variables plus the identity mode
// the service runs with, which is recorded on every span.
type Config struct {
	ServiceName    string  `env:"OTEL_SERVICE_NAME"`
	ServiceVersion string  `env:"ACCESS_VERSION" envDefault:"dev"`
	Endpoint       string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure       bool    `env:"OTEL_EXPORTER_OTLP_INSECURE"`
	SampleRatio    float64 `env:"ACCESS_TRACE_SAMPLE_RATIO" envDefault:"1"`
	IdentityMode   string
}

// ConfigFromEnv fills Config from the environment. serviceName applies
// when OTEL_SERVICE_NAME is unset.
func ConfigFromEnv(serviceName, identityMode string) (Config, error) {
	cfg := Config{ServiceName: serviceName, IdentityMode: identityMode}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = serviceName
	}
	return cfg, nil
}

// Setup installs W3C trace context propagation so the functions client and
// notification webhooks carry the caller's trace. Spans are exported over
// OTLP gRPC only when an endpoint is configured. The returned func flushes
// and stops the exporter.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) func(context.Context) error {
	logger = logging.OrDiscard(logger)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		logger.Error("otel exporter", "error", err)
		return func(context.Context) error { return nil }
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("access.identity_mode", cfg.IdentityMode),
		),
	)
	if err != nil {
		logger.Warn("otel resource", "error", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(provider)
	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return provider.Shutdown
}

// sampler keeps the parent's decision and samples new traces at ratio.
func sampler(ratio float64) trace.Sampler {
	switch {
	case ratio >= 1:
		return trace.ParentBased(trace.AlwaysSample())
	case ratio <= 0:
		return trace.ParentBased(trace.NeverSample())
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}
