// Package tracing wires an OpenTelemetry tracer provider for EntDB's
// SQL-level and RPC-level spans, in the shape storage/dolt's
// doltTracer expects: a package-level Tracer obtained via
// otel.Tracer(name), backed by the global provider, a no-op until
// Init runs.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls where spans go. An empty Config still installs a
// provider so otel.Tracer(...).Start never panics before Init runs,
// it just samples nothing.
type Config struct {
	ServiceName string
	// Enabled turns on the stdout span exporter used for local
	// development; production deployments would swap this for an OTLP
	// exporter, left out here because none of the source repos wire one.
	Enabled bool
}

// Init installs a global TracerProvider and returns a shutdown func.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.Enabled {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	} else {
		opts = append(opts, sdktrace.WithSampler(sdktrace.NeverSample()))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns a named tracer from the global provider
// (otel.Tracer(name)). No subsystem in this repository creates spans
// through it.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
