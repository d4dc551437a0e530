// Package tracing sets up OpenTelemetry for the relay. Spans cover the
// request path and the poll cycle so slow upstream fetches show up in
// traces rather than only in logs.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/flagdeck/flagdeck-relay/internal/config"
)

var tracer trace.Tracer

// Init initializes OpenTelemetry tracing. When tracing is disabled the
// returned shutdown function is a no-op.
func Init(serviceName string) (func(context.Context) error, error) {
	cfg := config.Load()
	if !cfg.OTELEnabled {
		return func(context.Context) error { return nil }, nil
	}

	ctx := context.Background()

	// WithEndpoint expects "host:port" without a protocol scheme; the
	// protocol is chosen by WithInsecure vs WithTLSClientConfig.
	endpoint := cfg.OTELEndpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version(cfg)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.OTELSampleRate)),
	)

	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(serviceName)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}, nil
}

func version(cfg *config.Config) string {
	if cfg.SentryRelease != "" {
		return cfg.SentryRelease
	}
	return "dev"
}

// GetTracer returns the global tracer
func GetTracer() trace.Tracer {
	if tracer == nil {
		// No-op tracer when Init was skipped
		return otel.Tracer("noop")
	}
	return tracer
}

// StartSpan starts a new span with the given name
func StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return GetTracer().Start(ctx, spanName, opts...)
}

// StartCacheSpan starts a span for a cache operation against a key.
func StartCacheSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return GetTracer().Start(ctx, "cache."+op,
		trace.WithAttributes(attribute.String("cache.key", key)))
}
