package otel

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// TracerName is the instrumentation scope used by the relay engine.
const TracerName = "github.com/nulzo/streamrelay/relay"

// InitTracer sets up the global tracer provider. When disabled a no-op
// provider is installed so instrumented code does not need to check.
// Returns a shutdown function to call on application exit.
func InitTracer(enabled bool, serviceName string, logger *zap.Logger, w io.Writer) (func(context.Context) error, error) {
	if !enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, err
	}

	// not merged with resource.Default() to avoid schema URL conflicts
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry tracer initialized", zap.String("service", serviceName))

	return tp.Shutdown, nil
}

// Tracer returns the relay tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
