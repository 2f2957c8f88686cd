package store

import (
	"sort"
	"time"

	"github.com/mlflare/mlflare-go/types"
)

type RunRecord struct {
	RunID        string          `json:"run_id"`
	ExperimentID string          `json:"experiment_id"`
	Project      string          `json:"project"`
	Status       types.RunStatus `json:"status"`
	Config       types.RunConfig `json:"config,omitempty"`
	LastStep     int             `json:"last_step"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

func (r RunRecord) Summary() types.RunSummary {
	return types.RunSummary{
		ID:           r.RunID,
		ExperimentID: r.ExperimentID,
		Project:      r.Project,
		Status:       r.Status,
		Config:       r.Config,
		LastStep:     r.LastStep,
		CreatedAt:    r.CreatedAt,
		CompletedAt:  r.CompletedAt,
	}
}

// Summarize folds points, in the order ListMetrics returns them, into one
// summary per metric name. The latest value is the one logged last.
func Summarize(points []types.MetricPoint) map[string]types.MetricSummary {
	ordered := make([]types.MetricPoint, len(points))
	copy(ordered, points)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	out := make(map[string]types.MetricSummary)
	for _, p := range ordered {
		s, ok := out[p.Name]
		if !ok {
			s = types.MetricSummary{Min: p.Value, Max: p.Value}
		}
		s.Value = p.Value
		s.Step = p.Step
		s.Count++
		if p.Value < s.Min {
			s.Min = p.Value
		}
		if p.Value > s.Max {
			s.Max = p.Value
		}
		out[p.Name] = s
	}
	return out
}
