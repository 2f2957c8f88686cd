// Package store persists runs and metric points for the local tracking
// server. Backends live in the sqlite, redis and hybrid subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mlflare/mlflare-go/types"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

type ListRunsQuery struct {
	Project string
	Status  types.RunStatus
	Limit   int
	Offset  int
}

type Store interface {
	// CreateRun fails with ErrConflict when the run id already exists.
	CreateRun(ctx context.Context, run RunRecord) error
	LoadRun(ctx context.Context, runID string) (RunRecord, error)
	ListRuns(ctx context.Context, query ListRunsQuery) ([]RunRecord, error)
	FinishRun(ctx context.Context, runID string, status types.RunStatus, at time.Time) (RunRecord, error)

	// AppendMetrics records one point per metric at step and moves the run's
	// last step to step. Unknown runs fail with ErrNotFound.
	AppendMetrics(ctx context.Context, runID string, step int, metrics types.Metrics, at time.Time) error
	// ListMetrics returns points ordered by step, then by insertion order.
	// An empty name returns every metric.
	ListMetrics(ctx context.Context, runID string, name string) ([]types.MetricPoint, error)

	Close() error
}
