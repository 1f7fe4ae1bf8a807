// Package telemetry sets up OpenTelemetry tracing for drains.
//
// Tracing is opt-in: nothing is exported unless an OTLP endpoint is
// configured. Without one the global no-op provider stays in place and
// spans cost nothing.
package telemetry

import (
	"context"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kimhsiao/fieldsync/internal/logging"
)

// Config selects the exporter.
type Config struct {
	Endpoint    string // OTLP/HTTP endpoint URL, e.g. http://localhost:4318
	ServiceName string
	Insecure    bool
	Version     string
}

var enabled atomic.Bool

// IsEnabled reports whether Setup installed an exporting provider.
func IsEnabled() bool {
	return enabled.Load()
}

// Setup installs a global tracer provider exporting to cfg.Endpoint. With
// an empty endpoint it returns a no-op shutdown and changes nothing.
//
// The returned shutdown function flushes pending spans and should be
// deferred by the caller.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return noop, nil
	}
	if !strings.Contains(endpoint, "://") {
		scheme := "https://"
		if cfg.Insecure {
			scheme = "http://"
		}
		endpoint = scheme + endpoint
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return noop, err
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "fieldsync"
	}
	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(serviceName))}
	if cfg.Version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.Version)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	enabled.Store(true)

	logging.Info("Tracing enabled", map[string]interface{}{"endpoint": endpoint, "service": serviceName})

	return func(ctx context.Context) error {
		enabled.Store(false)
		return tp.Shutdown(ctx)
	}, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
