package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/aluiziolira/go-scrape-inventory/config"
)

const serviceName = "go-scrape-inventory"

// setupTracing installs a batching OTLP/HTTP tracer provider when
// OTEL_EXPORTER_OTLP_ENDPOINT is set. The returned shutdown func is never nil.
func setupTracing(ctx context.Context, runID string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	endpoint, ok := config.EnvString("OTEL_EXPORTER_OTLP_ENDPOINT")
	if !ok {
		return noop, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceInstanceID(runID),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("build resource: %w", err)
	}

	exportCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	exporter, err := otlptracehttp.New(exportCtx)
	if err != nil {
		return noop, fmt.Errorf("create trace exporter: %w", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	slog.Info("tracer export initialized", slog.String("type", "http"), slog.String("endpoint", endpoint))

	return provider.Shutdown, nil
}
