package observability

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used by the streaming core.
const TracerName = "github.com/zhouzirui/z-relay/backend"

// TraceConfig selects where spans are exported.
type TraceConfig struct {
	ServiceName string
	Endpoint    string
	Insecure    bool
}

// SetupTracing installs an OTLP exporter when an endpoint is configured. Without
// one the global no-op provider stays in place. The returned function flushes
// and stops the exporter.
func SetupTracing(ctx context.Context, cfg TraceConfig) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return noop
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "z-relay"
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		log.Printf("[otel] exporter unavailable, tracing disabled: %v", err)
		return noop
	}

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	log.Printf("[otel] exporting spans to %s", cfg.Endpoint)
	return provider.Shutdown
}

// Tracer returns the tracer of the streaming core.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
