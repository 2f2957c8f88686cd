// Package otel bridges the observe.Sink to OpenTelemetry tracing.
//
// It converts observe.Event values into OTel spans so that run lifecycle
// transitions and transport attempts show up in any OpenTelemetry-compatible
// backend (Jaeger, Zipkin, Grafana, etc.).
package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/mlflare/mlflare-go/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/mlflare/mlflare-go"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
	}
}

// Emit converts an observe.Event into an OTel span.
func (s *Sink) Emit(ctx context.Context, event observe.Event) error {
	event.Normalize()
	if ctx == nil {
		ctx = context.Background()
	}

	startTime := event.Timestamp
	_, span := s.tracer.Start(ctx, spanNameFor(event), trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("mlflare.event.kind", string(event.Kind)),
	}
	if event.RunID != "" {
		attrs = append(attrs, attribute.String("mlflare.run.id", event.RunID))
	}
	if event.Project != "" {
		attrs = append(attrs, attribute.String("mlflare.project", event.Project))
	}
	if event.Name != "" {
		attrs = append(attrs, attribute.String("mlflare.event.name", event.Name))
	}
	if event.Status != "" {
		attrs = append(attrs, attribute.String("mlflare.status", string(event.Status)))
	}
	if event.Step != nil {
		attrs = append(attrs, attribute.Int("mlflare.step", *event.Step))
	}
	if event.Attempt > 0 {
		attrs = append(attrs, attribute.Int("mlflare.transport.attempt", event.Attempt))
	}
	if event.HTTPStatus > 0 {
		attrs = append(attrs, attribute.Int("http.response.status_code", event.HTTPStatus))
	}
	if event.Message != "" {
		attrs = append(attrs, attribute.String("mlflare.message", truncate(event.Message, 1024)))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("mlflare.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("mlflare.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	case observe.StatusCompleted:
		span.SetStatus(codes.Ok, "")
	}

	endTime := startTime
	if event.DurationMs > 0 {
		endTime = startTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindRun:
		return "mlflare.run"
	case observe.KindMetrics:
		return "mlflare.log"
	case observe.KindTransport:
		if event.Name != "" {
			return "mlflare.transport." + event.Name
		}
		return "mlflare.transport"
	case observe.KindShutdown:
		return "mlflare.shutdown"
	default:
		if event.Name != "" {
			return "mlflare." + event.Name
		}
		return "mlflare.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
