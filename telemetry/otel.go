// Package telemetry provides the engine's observability backends: an
// OpenTelemetry provider for traces and metrics, and sink implementations
// for the per-stage event stream (calls, iterations, consensus).
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/llmhive/llmhive/core"
)

// OTelProvider implements core.Telemetry with OpenTelemetry.
type OTelProvider struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider

	callLatency  metric.Float64Histogram
	callCounter  metric.Int64Counter
	scoreGauge   metric.Float64Histogram
}

// NewOTelProvider creates an OpenTelemetry provider. When endpoint is empty
// it falls back to OTEL_EXPORTER_OTLP_ENDPOINT, and then to a stdout
// exporter for local development.
func NewOTelProvider(serviceName, endpoint string) (*OTelProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}

	var exporter sdktrace.SpanExporter
	if endpoint != "" {
		exporter, err = otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	meter := otel.Meter("llmhive")
	p := &OTelProvider{
		tracer:        tp.Tracer("llmhive"),
		meter:         meter,
		traceProvider: tp,
	}

	p.callLatency, err = meter.Float64Histogram("llmhive.call.latency_ms")
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}
	p.callCounter, err = meter.Int64Counter("llmhive.call.total")
	if err != nil {
		return nil, fmt.Errorf("failed to create call counter: %w", err)
	}
	p.scoreGauge, err = meter.Float64Histogram("llmhive.iteration.score")
	if err != nil {
		return nil, fmt.Errorf("failed to create score histogram: %w", err)
	}
	return p, nil
}

// StartSpan starts a new telemetry span.
func (o *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records a metric value against the shared histogram set.
func (o *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	attrs := make([]attribute.KeyValue, 0, len(labels)+1)
	attrs = append(attrs, attribute.String("metric", name))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	o.scoreGauge.Record(context.Background(), value, metric.WithAttributes(attrs...))
}

// Shutdown flushes and stops the trace provider.
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	return o.traceProvider.Shutdown(ctx)
}

// RecordCall implements core.TelemetrySink.
func (o *OTelProvider) RecordCall(t core.CallTrace) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("backend", t.Backend),
		attribute.String("model", t.Model),
		attribute.String("outcome", t.Outcome),
		attribute.String("stage", t.Stage),
	)
	o.callCounter.Add(ctx, 1, attrs)
	o.callLatency.Record(ctx, float64(t.Latency.Milliseconds()), attrs)
}

// RecordIteration implements core.TelemetrySink.
func (o *OTelProvider) RecordIteration(e core.IterationEvent) {
	o.scoreGauge.Record(context.Background(), e.Score, metric.WithAttributes(
		attribute.String("strategy", e.Strategy),
		attribute.Int("iteration", e.Iteration),
	))
}

// RecordConsensus implements core.TelemetrySink.
func (o *OTelProvider) RecordConsensus(e core.ConsensusEvent) {
	o.scoreGauge.Record(context.Background(), e.Score, metric.WithAttributes(
		attribute.String("strategy", e.Strategy),
		attribute.Int("participants", len(e.Participating)),
	))
}

// otelSpan wraps an OpenTelemetry span to implement core.Span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}
