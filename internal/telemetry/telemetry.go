// Package telemetry wires OpenTelemetry tracing and metrics for the
// tracker and decorates the storage layer with an instrumented wrapper.
//
// Everything is off unless PACKTRACK_OTEL_ENABLED=true; the disabled path
// installs no-op providers and costs nothing at runtime.
//
//	PACKTRACK_OTEL_ENABLED=true            turn telemetry on
//	PACKTRACK_OTEL_STDOUT=true             pretty-print spans/metrics to stdout
//	PACKTRACK_ENV=<name>                   tagged as deployment.environment
//	OTEL_EXPORTER_OTLP_ENDPOINT=host:4317  OTLP/gRPC collector
//	OTEL_EXPORTER_OTLP_METRICS_ENDPOINT    metrics-only collector override
//
// With telemetry on but no endpoint configured, stdout export is used so
// a dev run always produces output somewhere.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	instrumentationScope = "github.com/rerollkit/packtrack"
	serviceNamespace     = "rerollkit"

	stdoutMetricInterval = 15 * time.Second
	otlpMetricInterval   = 30 * time.Second
)

// settings is the env-driven exporter selection, read once at Init.
type settings struct {
	enabled        bool
	stdout         bool
	traceEndpoint  string
	metricEndpoint string
}

func readSettings() settings {
	s := settings{
		enabled:        os.Getenv("PACKTRACK_OTEL_ENABLED") == "true",
		stdout:         os.Getenv("PACKTRACK_OTEL_STDOUT") == "true",
		traceEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		metricEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"),
	}
	if s.metricEndpoint == "" {
		s.metricEndpoint = s.traceEndpoint
	}
	if s.enabled && s.traceEndpoint == "" {
		s.stdout = true
	}
	return s
}

var shutdownFns []func(context.Context) error

// Enabled reports whether telemetry is active (PACKTRACK_OTEL_ENABLED=true).
func Enabled() bool {
	return os.Getenv("PACKTRACK_OTEL_ENABLED") == "true"
}

// Init installs the global tracer and meter providers. Disabled telemetry
// installs no-ops and returns immediately.
func Init(ctx context.Context, serviceName, version string) error {
	cfg := readSettings()
	if !cfg.enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := buildResource(ctx, serviceName, version)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	tp, err := buildTraceProvider(ctx, cfg, res)
	if err != nil {
		return fmt.Errorf("telemetry: trace provider: %w", err)
	}
	otel.SetTracerProvider(tp)
	shutdownFns = append(shutdownFns, tp.Shutdown)

	mp, err := buildMetricProvider(ctx, cfg, res)
	if err != nil {
		return fmt.Errorf("telemetry: metric provider: %w", err)
	}
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)

	return nil
}

func buildResource(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(version),
		semconv.ServiceNamespaceKey.String(serviceNamespace),
	}
	if env := os.Getenv("PACKTRACK_ENV"); env != "" {
		attrs = append(attrs, attribute.String("deployment.environment", env))
	}
	return resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcess(),
	)
}

func buildTraceProvider(ctx context.Context, cfg settings, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}

	if cfg.stdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	if cfg.traceEndpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.traceEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func buildMetricProvider(ctx context.Context, cfg settings, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(stdoutMetricInterval)),
		))
	}
	if cfg.metricEndpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.metricEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(otlpMetricInterval)),
		))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

// Tracer returns a tracer for the given scope, defaulting to the module scope.
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Tracer(name)
}

// Meter returns a meter for the given scope, defaulting to the module scope.
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes and stops every installed provider. Call with a
// short-deadline context during process teardown.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}
