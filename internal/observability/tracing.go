package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// NewTracerProvider builds and installs a process-wide OTel TracerProvider
// tagged with the given agent id, and registers it as the global provider
// so every package's otel.Tracer(...) call picks it up without explicit
// wiring. No exporter or span processor is configured (spans are sampled,
// and ended spans are discarded rather than exported) — exporting to a collector is an operational concern
// outside this runtime's scope, the same boundary the reference pack's
// OpenTelemetryTracer draws.
func NewTracerProvider(agentID string) (*sdktrace.TracerProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("agent-runtime-core"),
			semconv.ServiceInstanceIDKey.String(agentID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// ShutdownTracerProvider flushes and stops tp, bounded by a 5s timeout.
func ShutdownTracerProvider(tp *sdktrace.TracerProvider) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return tp.Shutdown(ctx)
}
