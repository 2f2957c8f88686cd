package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mlflare/mlflare-go/client"
	"github.com/mlflare/mlflare-go/run"
	"github.com/mlflare/mlflare-go/types"
)

type fakeTransport struct {
	mu       sync.Mutex
	nextID   int
	steps    []int
	finished []types.RunStatus
}

func (f *fakeTransport) InitRun(context.Context, string, types.RunConfig) (types.InitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return types.InitResponse{RunID: "run-" + strconv.Itoa(f.nextID)}, nil
}

func (f *fakeTransport) LogMetrics(_ context.Context, _ string, _ types.Metrics, step int) (types.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, step)
	return types.Response{}, nil
}

func (f *fakeTransport) FinishRun(_ context.Context, _ string, status types.RunStatus) (types.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, status)
	return types.Response{}, nil
}

func newFakeTracker(fake *fakeTransport) *Tracker {
	return New(WithTransportFactory(func(string, string) (run.Transport, error) { return fake, nil }))
}

func TestTracker_WithoutInit(t *testing.T) {
	tr := newFakeTracker(&fakeTransport{})
	ctx := context.Background()

	if err := tr.Log(ctx, types.Metrics{"loss": 1}); !errors.Is(err, ErrNoActiveRun) {
		t.Fatalf("expected ErrNoActiveRun, got %v", err)
	}
	if err := tr.LogStep(ctx, types.Metrics{"loss": 1}, 3); !errors.Is(err, run.ErrInvalidState) {
		t.Fatalf("expected an invalid state error, got %v", err)
	}
	if err := tr.Finish(ctx, ""); !errors.Is(err, ErrNoActiveRun) {
		t.Fatalf("expected ErrNoActiveRun, got %v", err)
	}
}

func TestTracker_InitLogFinish(t *testing.T) {
	fake := &fakeTransport{}
	tr := newFakeTracker(fake)
	ctx := context.Background()

	r, err := tr.Init(ctx, "mnist", types.RunConfig{"lr": 0.01})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if tr.Active() != r {
		t.Fatalf("expected the new run to be active")
	}
	_ = tr.Log(ctx, types.Metrics{"loss": 1})
	_ = tr.LogStep(ctx, types.Metrics{"loss": 0.5}, 10)
	_ = tr.Log(ctx, types.Metrics{"loss": 0.2})
	if err := tr.Finish(ctx, ""); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if tr.Active() != nil {
		t.Fatalf("expected the slot to be cleared after Finish")
	}
	if diff := cmp.Diff([]int{0, 10, 11}, fake.steps); diff != "" {
		t.Fatalf("unexpected steps (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]types.RunStatus{types.StatusCompleted}, fake.finished); diff != "" {
		t.Fatalf("unexpected finish statuses (-want +got):\n%s", diff)
	}
}

func TestTracker_InitReplacesActiveAndCloseFinishesAll(t *testing.T) {
	fake := &fakeTransport{}
	tr := newFakeTracker(fake)
	ctx := context.Background()

	first, _ := tr.Init(ctx, "a", nil)
	second, _ := tr.Init(ctx, "b", nil)
	if tr.Active() != second {
		t.Fatalf("expected the second run to replace the first")
	}

	tr.Close(ctx)
	if !first.Finished() || !second.Finished() {
		t.Fatalf("expected Close to force-finish every run")
	}
	if len(fake.finished) != 2 {
		t.Fatalf("expected two finish requests, got %d", len(fake.finished))
	}
	if tr.Active() != nil {
		t.Fatalf("expected no active run after Close")
	}
}

func TestTracker_ClientConfigError(t *testing.T) {
	t.Setenv("MLFLARE_URL", "")
	t.Setenv("MLFLARE_API_TOKEN", "")
	tr := New()
	_, err := tr.Init(context.Background(), "mnist", nil)
	if !errors.Is(err, client.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	if tr.Active() != nil {
		t.Fatalf("failed init must not set an active run")
	}
}

func TestTracker_EndToEndWithClient(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/sdk/init" {
			_ = json.NewEncoder(w).Encode(map[string]string{"run_id": "r-1", "experiment_id": "e-1"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer srv.Close()

	tr := New(WithEndpoint("http://unused.invalid", "wrong"))
	ctx := context.Background()
	r, err := tr.Init(ctx, "mnist", nil, WithURL(srv.URL+"/"), WithToken("secret"))
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if r.ID() != "r-1" {
		t.Fatalf("unexpected run id %q", r.ID())
	}
	if err := tr.Log(ctx, types.Metrics{"loss": 0.1}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := tr.Finish(ctx, types.StatusFailed); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	want := []string{"/sdk/init", "/sdk/log", "/sdk/finish"}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Fatalf("unexpected request paths (-want +got):\n%s", diff)
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("expected no tracker in an empty context")
	}
	tr := New()
	got, ok := FromContext(WithContext(context.Background(), tr))
	if !ok || got != tr {
		t.Fatalf("expected tracker to round-trip through context")
	}
}
