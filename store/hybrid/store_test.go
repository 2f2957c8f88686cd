package hybrid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mlflare/mlflare-go/store"
	"github.com/mlflare/mlflare-go/store/memory"
	"github.com/mlflare/mlflare-go/types"
)

type failingStore struct {
	*memory.Store
}

var errWrite = errors.New("write failed")

func (f failingStore) CreateRun(context.Context, store.RunRecord) error { return errWrite }

func (f failingStore) AppendMetrics(context.Context, string, int, types.Metrics, time.Time) error {
	return errWrite
}

func (f failingStore) FinishRun(context.Context, string, types.RunStatus, time.Time) (store.RunRecord, error) {
	return store.RunRecord{}, errWrite
}

func TestNew_RequiresDurable(t *testing.T) {
	if _, err := New(nil, memory.New()); err == nil {
		t.Fatalf("expected error without a durable store")
	}
}

func TestHybridStore_WritesThroughToCache(t *testing.T) {
	durable, cache := memory.New(), memory.New()
	h, _ := New(durable, cache)
	ctx := context.Background()

	if err := h.CreateRun(ctx, store.RunRecord{RunID: "r1", Project: "p"}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := h.AppendMetrics(ctx, "r1", 3, types.Metrics{"loss": 0.5}, time.Time{}); err != nil {
		t.Fatalf("AppendMetrics failed: %v", err)
	}
	if _, err := h.FinishRun(ctx, "r1", types.StatusCompleted, time.Time{}); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	cached, err := cache.LoadRun(ctx, "r1")
	if err != nil {
		t.Fatalf("expected run in cache: %v", err)
	}
	if cached.Status != types.StatusCompleted || cached.LastStep != 3 {
		t.Fatalf("cache out of sync: %#v", cached)
	}
}

func TestHybridStore_CacheFailuresAreNotFatal(t *testing.T) {
	durable := memory.New()
	h, _ := New(durable, failingStore{memory.New()})
	ctx := context.Background()

	if err := h.CreateRun(ctx, store.RunRecord{RunID: "r1", Project: "p"}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := h.AppendMetrics(ctx, "r1", 0, types.Metrics{"loss": 1}, time.Time{}); err != nil {
		t.Fatalf("AppendMetrics failed: %v", err)
	}
	if _, err := h.FinishRun(ctx, "r1", types.StatusFailed, time.Time{}); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	run, err := h.LoadRun(ctx, "r1")
	if err != nil || run.Status != types.StatusFailed {
		t.Fatalf("expected durable run, got %#v, %v", run, err)
	}
}

func TestHybridStore_LoadBackfillsCache(t *testing.T) {
	durable, cache := memory.New(), memory.New()
	_ = durable.CreateRun(context.Background(), store.RunRecord{RunID: "r2", Project: "p"})
	h, _ := New(durable, cache)

	if _, err := h.LoadRun(context.Background(), "r2"); err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if _, err := cache.LoadRun(context.Background(), "r2"); err != nil {
		t.Fatalf("expected cache backfill: %v", err)
	}
}

func TestHybridStore_DurableErrorsPropagate(t *testing.T) {
	h, _ := New(memory.New(), memory.New())
	if err := h.AppendMetrics(context.Background(), "missing", 0, types.Metrics{"a": 1}, time.Time{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
