package observe

import "time"

type Kind string

type Status string

const (
	KindRun       Kind = "run"
	KindMetrics   Kind = "metrics"
	KindTransport Kind = "transport"
	KindShutdown  Kind = "shutdown"
	KindCustom    Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Event struct {
	ID         string         `json:"id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"runId,omitempty"`
	Project    string         `json:"project,omitempty"`
	Kind       Kind           `json:"kind"`
	Status     Status         `json:"status,omitempty"`
	Name       string         `json:"name,omitempty"`
	Step       *int           `json:"step,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	HTTPStatus int            `json:"httpStatus,omitempty"`
	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}

// StepPtr is a small helper for filling Event.Step.
func StepPtr(step int) *int {
	return &step
}
