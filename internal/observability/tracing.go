package observability

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope the engine's scheduler tick
// and dispatch send path open spans under (see Tracer).
const tracerName = "github.com/qrpswarm/chunkswarm/internal/engine"

// InitTracing wires up an OpenTelemetry tracer provider with a Jaeger
// exporter, configured via OTEL_EXPORTER_JAEGER_ENDPOINT. With no
// endpoint set it installs a no-op shutdown so a station can run without
// a collector nearby.
func InitTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_JAEGER_ENDPOINT")
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp, trace.WithMaxExportBatchSize(512), trace.WithBatchTimeout(5*time.Second)),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the tracer the engine's scheduler tick and dispatch
// send path open spans on. Safe to call whether or not InitTracing ever
// ran: with no provider installed, otel's default no-op provider hands
// back a tracer whose spans are discarded.
func Tracer() oteltrace.Tracer {
	return otel.Tracer(tracerName)
}
