package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Metrics maps a metric name to its scalar value at one step.
type Metrics map[string]float64

// RunConfig holds the hyperparameters and other JSON-serializable settings of a run.
type RunConfig map[string]any

type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Clone returns a deep copy of the config by round-tripping it through JSON.
func (c RunConfig) Clone() (RunConfig, error) {
	if c == nil {
		return RunConfig{}, nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot run config: %w", err)
	}
	out := RunConfig{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to snapshot run config: %w", err)
	}
	return out, nil
}

func (m Metrics) Clone() Metrics {
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type InitRequest struct {
	Project string    `json:"project"`
	Config  RunConfig `json:"config"`
}

type InitResponse struct {
	RunID        string `json:"run_id"`
	ExperimentID string `json:"experiment_id,omitempty"`
	// Raw holds the full decoded response object, including fields not modeled above.
	Raw Response `json:"-"`
}

type LogRequest struct {
	RunID   string  `json:"run_id"`
	Metrics Metrics `json:"metrics"`
	Step    int     `json:"step"`
}

type FinishRequest struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
}

// Response is a decoded JSON object returned by the tracking service.
// An empty response body decodes to an empty Response.
type Response map[string]any

type RunSummary struct {
	ID           string     `json:"id"`
	ExperimentID string     `json:"experiment_id,omitempty"`
	Project      string     `json:"project"`
	Status       RunStatus  `json:"status"`
	Config       RunConfig  `json:"config,omitempty"`
	LastStep     int        `json:"last_step"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type MetricPoint struct {
	RunID     string    `json:"run_id"`
	Step      int       `json:"step"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricSummary is the latest value of one metric plus its running range.
type MetricSummary struct {
	Value float64 `json:"value"`
	Step  int     `json:"step"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

type RunDetail struct {
	RunSummary
	Metrics map[string]MetricSummary `json:"metrics"`
}

// StreamMessage is one frame of a run's live metric stream.
type StreamMessage struct {
	Type    string        `json:"type"`
	RunID   string        `json:"run_id"`
	Step    *int          `json:"step,omitempty"`
	Metrics Metrics       `json:"metrics,omitempty"`
	Points  []MetricPoint `json:"points,omitempty"`
	Status  RunStatus     `json:"status,omitempty"`
}

const (
	StreamMetrics   = "metrics"
	StreamBacklog   = "backlog"
	StreamHeartbeat = "heartbeat"
	StreamDone      = "done"
)
