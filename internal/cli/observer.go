package cli

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"

	"github.com/mlflare/mlflare-go/observe"
	mlotel "github.com/mlflare/mlflare-go/observe/otel"
)

const observerBuffer = 512

// newObserver builds the event sink for a command. With tracing on, events
// are also turned into spans and delivered off the caller's goroutine; the
// returned tracer provider is nil otherwise. closeFn flushes both.
func newObserver(logger logr.Logger, tracing bool) (sink observe.Sink, tp trace.TracerProvider, closeFn func()) {
	logSink := observe.NewLogSink(logger)
	if !tracing {
		return logSink, nil, func() {}
	}
	provider := mlotel.NewLogTracerProvider(logger)
	async := observe.NewAsyncSink(observe.NewMultiSink(logSink, mlotel.NewSink(provider)), observerBuffer)
	return async, provider, func() {
		async.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Error(err, "tracer shutdown failed")
		}
	}
}
