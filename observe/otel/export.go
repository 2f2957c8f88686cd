package otel

import (
	"context"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogExporter writes finished spans to a logr.Logger. It lets the CLI show
// traces without a collector.
type LogExporter struct {
	logger logr.Logger
}

func NewLogExporter(logger logr.Logger) *LogExporter {
	return &LogExporter{logger: logger.WithName("trace")}
}

func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		if err := ctx.Err(); err != nil {
			return err
		}
		sc := span.SpanContext()
		kv := []any{
			"traceId", sc.TraceID().String(),
			"spanId", sc.SpanID().String(),
			"durationMs", span.EndTime().Sub(span.StartTime()).Milliseconds(),
		}
		for _, attr := range span.Attributes() {
			kv = append(kv, string(attr.Key), attr.Value.Emit())
		}
		if span.Status().Code == codes.Error {
			e.logger.Info("span failed: "+span.Name(), append(kv, "error", span.Status().Description)...)
			continue
		}
		e.logger.Info("span: "+span.Name(), kv...)
	}
	return nil
}

func (e *LogExporter) Shutdown(ctx context.Context) error {
	return ctx.Err()
}

// NewLogTracerProvider returns a provider that batches spans into a
// LogExporter. Callers must Shutdown it to flush.
func NewLogTracerProvider(logger logr.Logger) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(NewLogExporter(logger)))
}
