// Package tracing wires OpenTelemetry spans around evaluation stages.
package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/GoPolymarket/fraudgate"

// Init installs the tracer provider. An empty endpoint leaves the global no-op provider in place.
// The returned function flushes and stops the exporter.
func Init(ctx context.Context, otlpEndpoint string, sampleRatio float64, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("fraudgate"),
		),
	)
	if err != nil {
		return nil, err
	}

	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint, "sample_ratio", sampleRatio)
	return tp.Shutdown, nil
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func TransactionID(id string) attribute.KeyValue {
	return attribute.String("transaction.id", id)
}

func Stage(name string) attribute.KeyValue {
	return attribute.String("evaluation.stage", name)
}

func Decision(d string) attribute.KeyValue {
	return attribute.String("evaluation.decision", d)
}

func Score(v float64) attribute.KeyValue {
	return attribute.Float64("evaluation.risk_score", v)
}
