package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mlflare/mlflare-go/store"
	"github.com/mlflare/mlflare-go/types"
)

// HybridStore writes through to a durable store and mirrors run records and
// metric points into an optional cache. Cache failures are logged, never
// returned. Listing always reads the durable store.
type HybridStore struct {
	durable store.Store
	cache   store.Store
}

func New(durable store.Store, cache store.Store) (*HybridStore, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	return &HybridStore{
		durable: durable,
		cache:   cache,
	}, nil
}

func (h *HybridStore) CreateRun(ctx context.Context, run store.RunRecord) error {
	if err := h.durable.CreateRun(ctx, run); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.CreateRun(ctx, run); err != nil {
			log.Printf("hybrid store cache CreateRun failed: %v", err)
		}
	}
	return nil
}

func (h *HybridStore) LoadRun(ctx context.Context, runID string) (store.RunRecord, error) {
	if h.cache != nil {
		run, err := h.cache.LoadRun(ctx, runID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("hybrid store cache LoadRun failed: %v", err)
		}
	}

	run, err := h.durable.LoadRun(ctx, runID)
	if err != nil {
		return store.RunRecord{}, err
	}
	if h.cache != nil {
		if err := h.cache.CreateRun(ctx, run); err != nil && !errors.Is(err, store.ErrConflict) {
			log.Printf("hybrid store cache backfill CreateRun failed: %v", err)
		}
	}
	return run, nil
}

func (h *HybridStore) ListRuns(ctx context.Context, query store.ListRunsQuery) ([]store.RunRecord, error) {
	return h.durable.ListRuns(ctx, query)
}

func (h *HybridStore) FinishRun(ctx context.Context, runID string, status types.RunStatus, at time.Time) (store.RunRecord, error) {
	run, err := h.durable.FinishRun(ctx, runID, status, at)
	if err != nil {
		return store.RunRecord{}, err
	}
	if h.cache != nil {
		if _, err := h.cache.FinishRun(ctx, runID, status, at); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Printf("hybrid store cache FinishRun failed: %v", err)
		}
	}
	return run, nil
}

func (h *HybridStore) AppendMetrics(ctx context.Context, runID string, step int, metrics types.Metrics, at time.Time) error {
	if err := h.durable.AppendMetrics(ctx, runID, step, metrics, at); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.AppendMetrics(ctx, runID, step, metrics, at); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Printf("hybrid store cache AppendMetrics failed: %v", err)
		}
	}
	return nil
}

func (h *HybridStore) ListMetrics(ctx context.Context, runID string, name string) ([]types.MetricPoint, error) {
	return h.durable.ListMetrics(ctx, runID, name)
}

func (h *HybridStore) Close() error {
	var firstErr error
	if h.cache != nil {
		if err := h.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.durable != nil {
		if err := h.durable.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ store.Store = (*HybridStore)(nil)
