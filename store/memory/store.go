// Package memory is an in-process store.Store for tests and for running the
// tracking server without persistence.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mlflare/mlflare-go/store"
	"github.com/mlflare/mlflare-go/types"
)

const defaultLimit = 50

type Store struct {
	mu      sync.Mutex
	runs    map[string]store.RunRecord
	metrics map[string][]types.MetricPoint
}

func New() *Store {
	return &Store{
		runs:    map[string]store.RunRecord{},
		metrics: map[string][]types.MetricPoint{},
	}
}

func (s *Store) CreateRun(ctx context.Context, run store.RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunID]; ok {
		return store.ErrConflict
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	if run.Status == "" {
		run.Status = types.StatusRunning
	}
	cfg, err := run.Config.Clone()
	if err != nil {
		return err
	}
	run.Config = cfg
	s.runs[run.RunID] = run
	return nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (store.RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.RunRecord{}, store.ErrNotFound
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, query store.ListRunsQuery) ([]store.RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		if query.Project != "" && run.Project != query.Project {
			continue
		}
		if query.Status != "" && run.Status != query.Status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := max(query.Offset, 0)
	if offset >= len(out) {
		return []store.RunRecord{}, nil
	}
	return out[offset:min(offset+limit, len(out))], nil
}

func (s *Store) FinishRun(ctx context.Context, runID string, status types.RunStatus, at time.Time) (store.RunRecord, error) {
	_ = ctx
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.RunRecord{}, store.ErrNotFound
	}
	run.Status = status
	run.CompletedAt = &at
	run.UpdatedAt = at
	s.runs[runID] = run
	return run, nil
}

func (s *Store) AppendMetrics(ctx context.Context, runID string, step int, metrics types.Metrics, at time.Time) error {
	_ = ctx
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.LastStep = step
	run.UpdatedAt = at
	s.runs[runID] = run

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		s.metrics[runID] = append(s.metrics[runID], types.MetricPoint{
			RunID: runID, Step: step, Name: name, Value: metrics[name], Timestamp: at,
		})
	}
	return nil
}

func (s *Store) ListMetrics(ctx context.Context, runID string, name string) ([]types.MetricPoint, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, store.ErrNotFound
	}
	out := make([]types.MetricPoint, 0, len(s.metrics[runID]))
	for _, p := range s.metrics[runID] {
		if name == "" || p.Name == name {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

func (s *Store) Close() error { return nil }

var _ store.Store = (*Store)(nil)
