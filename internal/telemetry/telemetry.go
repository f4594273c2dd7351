// Package telemetry sets up OpenTelemetry tracing over OTLP/HTTP.
package telemetry

import (
	"context"

	"github.com/golang/glog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "presence-chat"

// Init installs a global tracer provider exporting to endpoint. An empty
// endpoint leaves tracing disabled; the returned shutdown is always safe to
// call.
func Init(ctx context.Context, endpoint, serviceName string) (func(context.Context) error, error) {
	if endpoint == "" {
		glog.Info("[telemetry] OTEL_EXPORTER_OTLP_ENDPOINT unset, tracing disabled")
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		glog.Warningf("[telemetry] resource: %v", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	glog.Infof("[telemetry] exporting traces to %s", endpoint)
	return tp.Shutdown, nil
}

// Tracer returns the tracer used for gateway commands.
func Tracer() trace.Tracer { return otel.Tracer(tracerName) }
