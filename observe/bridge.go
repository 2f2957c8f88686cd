package observe

import (
	"context"

	"github.com/go-logr/logr"
)

// LogSink writes events to a logr.Logger. Failed events are logged as errors,
// everything else at verbosity 1.
type LogSink struct {
	logger logr.Logger
}

func NewLogSink(logger logr.Logger) *LogSink {
	return &LogSink{logger: logger.WithName("observe")}
}

func (s *LogSink) Emit(ctx context.Context, event Event) error {
	_ = ctx
	if s == nil {
		return nil
	}
	event.Normalize()
	kv := keyValues(event)
	if event.Status == StatusFailed {
		s.logger.Error(nil, string(event.Kind)+" failed", append(kv, "error", event.Error)...)
		return nil
	}
	s.logger.V(1).Info(string(event.Kind)+" "+string(event.Status), kv...)
	return nil
}

func keyValues(event Event) []any {
	kv := make([]any, 0, 12)
	if event.RunID != "" {
		kv = append(kv, "runId", event.RunID)
	}
	if event.Project != "" {
		kv = append(kv, "project", event.Project)
	}
	if event.Name != "" {
		kv = append(kv, "name", event.Name)
	}
	if event.Step != nil {
		kv = append(kv, "step", *event.Step)
	}
	if event.Attempt > 0 {
		kv = append(kv, "attempt", event.Attempt)
	}
	if event.HTTPStatus > 0 {
		kv = append(kv, "httpStatus", event.HTTPStatus)
	}
	if event.DurationMs > 0 {
		kv = append(kv, "durationMs", event.DurationMs)
	}
	return kv
}
