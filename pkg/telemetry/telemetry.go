package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/colinrgodsey/msacache/pkg/config"
)

const shutdownTimeout = 5 * time.Second

// Version is reported as service.version on exported spans.
var Version = "dev"

// Setup installs the global tracer provider and returns a fresh metrics
// registry. The shutdown func flushes spans and, when configured, writes
// the registry to the node-exporter textfile.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (*prometheus.Registry, func(context.Context) error, error) {
	slog.Debug("Initializing telemetry", "config", cfg)

	reg := prometheus.NewRegistry()
	tp, err := newTracerProvider(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(tp)

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("tracer provider shutdown failed: %w", err)
		}
		if cfg.MetricsTextfile == "" {
			return nil
		}
		if err := prometheus.WriteToTextfile(cfg.MetricsTextfile, reg); err != nil {
			return fmt.Errorf("failed to write metrics textfile: %w", err)
		}
		return nil
	}
	return reg, shutdown, nil
}

// newTracerProvider exports over OTLP/gRPC when an endpoint is set and
// records nothing otherwise.
func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig) (*sdktrace.TracerProvider, error) {
	if cfg.TracingEndpoint == "" {
		return sdktrace.NewTracerProvider(), nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.TracingEndpoint)}
	if cfg.TracingInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("msacache"),
			semconv.ServiceVersion(Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}
