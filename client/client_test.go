package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mlflare/mlflare-go/observe"
	"github.com/mlflare/mlflare-go/types"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	CType  string
	Body   map[string]any
}

type fakeService struct {
	mu       sync.Mutex
	requests []recordedRequest
	statuses []int
	bodies   []string
}

// handler replies with the queued statuses and bodies in order and repeats
// the last one once the queue is exhausted.
func (f *fakeService) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		rec := recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Auth:   r.Header.Get("Authorization"),
			CType:  r.Header.Get("Content-Type"),
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &rec.Body); err != nil {
				t.Errorf("request body is not a JSON object: %v", err)
			}
		}

		f.mu.Lock()
		idx := len(f.requests)
		f.requests = append(f.requests, rec)
		status := http.StatusOK
		body := ""
		if len(f.statuses) > 0 {
			status = f.statuses[min(idx, len(f.statuses)-1)]
		}
		if len(f.bodies) > 0 {
			body = f.bodies[min(idx, len(f.bodies)-1)]
		}
		f.mu.Unlock()

		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func (f *fakeService) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func newTestClient(t *testing.T, svc *fakeService, opts ...Option) (*Client, *sleepRecorder) {
	t.Helper()
	srv := httptest.NewServer(svc.handler(t))
	t.Cleanup(srv.Close)

	rec := &sleepRecorder{}
	opts = append([]Option{WithSleeper(rec.sleep)}, opts...)
	c, err := New(srv.URL+"/", "secret", opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c, rec
}

func TestNew_ConfigErrors(t *testing.T) {
	t.Setenv("MLFLARE_URL", "")
	t.Setenv("MLFLARE_API_TOKEN", "")

	if _, err := New("", "tok"); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for missing url, got %v", err)
	}
	if _, err := New("http://localhost:8787", ""); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for missing token, got %v", err)
	}
}

func TestNew_EnvFallbackAndTrailingSlash(t *testing.T) {
	t.Setenv("MLFLARE_URL", "http://localhost:8787///")
	t.Setenv("MLFLARE_API_TOKEN", "env-token")

	c, err := New("", "")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.BaseURL() != "http://localhost:8787" {
		t.Fatalf("unexpected base url: %q", c.BaseURL())
	}
	if c.token != "env-token" {
		t.Fatalf("unexpected token: %q", c.token)
	}
}

func TestInitRun_SendsHeadersAndBody(t *testing.T) {
	svc := &fakeService{bodies: []string{`{"run_id":"run-1","experiment_id":"exp-1","extra":true}`}}
	c, _ := newTestClient(t, svc)

	resp, err := c.InitRun(context.Background(), "mnist", types.RunConfig{"lr": 0.001})
	if err != nil {
		t.Fatalf("InitRun failed: %v", err)
	}
	if resp.RunID != "run-1" || resp.ExperimentID != "exp-1" {
		t.Fatalf("unexpected init response: %#v", resp)
	}
	if resp.Raw["extra"] != true {
		t.Fatalf("expected raw response to keep unknown fields: %#v", resp.Raw)
	}

	want := []recordedRequest{{
		Method: http.MethodPost,
		Path:   "/sdk/init",
		Auth:   "Bearer secret",
		CType:  "application/json",
		Body:   map[string]any{"project": "mnist", "config": map[string]any{"lr": 0.001}},
	}}
	if diff := cmp.Diff(want, svc.requests); diff != "" {
		t.Fatalf("unexpected requests (-want +got):\n%s", diff)
	}
}

func TestInitRun_MissingRunID(t *testing.T) {
	svc := &fakeService{bodies: []string{`{}`}}
	c, _ := newTestClient(t, svc)

	if _, err := c.InitRun(context.Background(), "p", nil); !errors.Is(err, ErrMissingRunID) {
		t.Fatalf("expected ErrMissingRunID, got %v", err)
	}
}

func TestLogAndFinish_Bodies(t *testing.T) {
	svc := &fakeService{bodies: []string{`{"ok":true}`}}
	c, _ := newTestClient(t, svc)
	ctx := context.Background()

	if _, err := c.LogMetrics(ctx, "run-1", types.Metrics{"loss": 0.5}, 3); err != nil {
		t.Fatalf("LogMetrics failed: %v", err)
	}
	if _, err := c.FinishRun(ctx, "run-1", ""); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	want := []map[string]any{
		{"run_id": "run-1", "metrics": map[string]any{"loss": 0.5}, "step": float64(3)},
		{"run_id": "run-1", "status": "completed"},
	}
	got := []map[string]any{svc.requests[0].Body, svc.requests[1].Body}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected bodies (-want +got):\n%s", diff)
	}
	if svc.requests[0].Path != "/sdk/log" || svc.requests[1].Path != "/sdk/finish" {
		t.Fatalf("unexpected paths: %q %q", svc.requests[0].Path, svc.requests[1].Path)
	}
}

func TestEmptyBodyDecodesToEmptyObject(t *testing.T) {
	svc := &fakeService{}
	c, _ := newTestClient(t, svc)

	resp, err := c.LogMetrics(context.Background(), "run-1", types.Metrics{"loss": 1}, 0)
	if err != nil {
		t.Fatalf("LogMetrics failed: %v", err)
	}
	if resp == nil || len(resp) != 0 {
		t.Fatalf("expected empty object, got %#v", resp)
	}
}

func TestNullBodyDecodesToEmptyObject(t *testing.T) {
	svc := &fakeService{bodies: []string{"null"}}
	c, _ := newTestClient(t, svc)

	logResp, err := c.LogMetrics(context.Background(), "run-1", types.Metrics{"loss": 1}, 0)
	if err != nil {
		t.Fatalf("LogMetrics failed: %v", err)
	}
	finishResp, err := c.FinishRun(context.Background(), "run-1", types.StatusCompleted)
	if err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	if logResp == nil || finishResp == nil {
		t.Fatalf("expected empty objects, got %#v and %#v", logResp, finishResp)
	}
}

func TestRetry_ServerErrorsThenSuccess(t *testing.T) {
	svc := &fakeService{
		statuses: []int{503, 503, 200},
		bodies:   []string{"unavailable", "unavailable", `{"ok":true,"step":2}`},
	}
	c, rec := newTestClient(t, svc)

	resp, err := c.LogMetrics(context.Background(), "run-1", types.Metrics{"loss": 1}, 2)
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if resp["ok"] != true {
		t.Fatalf("expected the 200 payload, got %#v", resp)
	}
	if svc.count() != 3 {
		t.Fatalf("expected 3 attempts, got %d", svc.count())
	}
	if diff := cmp.Diff([]time.Duration{time.Second, 2 * time.Second}, rec.waits); diff != "" {
		t.Fatalf("unexpected backoff waits (-want +got):\n%s", diff)
	}
}

func TestRetry_ClientErrorIsTerminal(t *testing.T) {
	svc := &fakeService{statuses: []int{404}, bodies: []string{`{"error":"run not found"}`}}
	c, rec := newTestClient(t, svc)

	_, err := c.FinishRun(context.Background(), "missing", "failed")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != 404 || !strings.Contains(statusErr.Body, "run not found") {
		t.Fatalf("unexpected status error: %#v", statusErr)
	}
	if svc.count() != 1 {
		t.Fatalf("expected a single attempt, got %d", svc.count())
	}
	if len(rec.waits) != 0 {
		t.Fatalf("expected no backoff, got %v", rec.waits)
	}
}

func TestRetry_ExhaustedAfterThreeAttempts(t *testing.T) {
	svc := &fakeService{statuses: []int{503}, bodies: []string{"down"}}
	c, rec := newTestClient(t, svc)

	_, err := c.InitRun(context.Background(), "p", nil)
	var retryErr *RetryError
	if !errors.As(err, &retryErr) {
		t.Fatalf("expected RetryError, got %v", err)
	}
	if retryErr.Attempts != 3 {
		t.Fatalf("expected 3 attempts in error, got %d", retryErr.Attempts)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != 503 {
		t.Fatalf("expected wrapped 503 status, got %v", err)
	}
	if svc.count() != 3 {
		t.Fatalf("expected exactly 3 requests, got %d", svc.count())
	}
	if len(rec.waits) != 2 {
		t.Fatalf("expected no wait after the final attempt, got %v", rec.waits)
	}
}

func TestRetry_ConnectionFailureIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	rec := &sleepRecorder{}
	c, err := New(addr, "tok", WithSleeper(rec.sleep))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = c.LogMetrics(context.Background(), "run-1", types.Metrics{"loss": 1}, 0)
	var retryErr *RetryError
	if !errors.As(err, &retryErr) {
		t.Fatalf("expected RetryError, got %v", err)
	}
	if len(rec.waits) != 2 {
		t.Fatalf("expected 2 waits, got %v", rec.waits)
	}
}

func TestRetry_AttemptTimeoutIsRetried(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
	)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		select {
		case <-r.Context().Done():
		case <-release:
		case <-time.After(300 * time.Millisecond):
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()
	defer close(release)

	rec := &sleepRecorder{}
	c, err := New(srv.URL, "tok", WithSleeper(rec.sleep), WithTimeout(30*time.Millisecond))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = c.LogMetrics(context.Background(), "run-1", types.Metrics{"loss": 1}, 0)
	var retryErr *RetryError
	if !errors.As(err, &retryErr) {
		t.Fatalf("expected RetryError, got %v", err)
	}
	if retryErr.Attempts != 3 {
		t.Fatalf("expected 3 attempts in error, got %d", retryErr.Attempts)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the per-attempt deadline in the chain, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("expected 3 requests, got %d", attempts)
	}
	if diff := cmp.Diff([]time.Duration{time.Second, 2 * time.Second}, rec.waits); diff != "" {
		t.Fatalf("unexpected backoff waits (-want +got):\n%s", diff)
	}
}

func TestInvalidJSONIsTerminal(t *testing.T) {
	svc := &fakeService{bodies: []string{"not json"}}
	c, _ := newTestClient(t, svc)

	if _, err := c.LogMetrics(context.Background(), "run-1", nil, 0); err == nil {
		t.Fatalf("expected decode error")
	}
	if svc.count() != 1 {
		t.Fatalf("decode errors must not be retried, got %d attempts", svc.count())
	}
}

func TestContextCancelStopsBackoff(t *testing.T) {
	svc := &fakeService{statuses: []int{500}}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c, err := New(srv.URL, "tok", WithSleeper(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = c.LogMetrics(ctx, "run-1", nil, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if svc.count() != 1 {
		t.Fatalf("expected 1 attempt before cancel, got %d", svc.count())
	}
}

func TestObserverReceivesAttemptEvents(t *testing.T) {
	svc := &fakeService{statuses: []int{502, 200}, bodies: []string{"", `{"ok":true}`}}
	var mu sync.Mutex
	var events []observe.Event
	sink := observe.SinkFunc(func(_ context.Context, e observe.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
		return nil
	})
	c, _ := newTestClient(t, svc, WithObserver(sink))

	if _, err := c.FinishRun(context.Background(), "run-1", "completed"); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	type summary struct {
		Status     observe.Status
		Attempt    int
		HTTPStatus int
	}
	got := make([]summary, 0, len(events))
	for _, e := range events {
		got = append(got, summary{Status: e.Status, Attempt: e.Attempt, HTTPStatus: e.HTTPStatus})
	}
	want := []summary{
		{observe.StatusStarted, 1, 0},
		{observe.StatusFailed, 1, 502},
		{observe.StatusStarted, 2, 0},
		{observe.StatusCompleted, 2, 200},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected events (-want +got):\n%s", diff)
	}
}

func TestListRunsAndMetrics(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "5" {
			t.Errorf("expected limit=5, got %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`[{"id":"run-1","project":"p","status":"running","last_step":4}]`))
	})
	mux.HandleFunc("/api/v1/runs/run-1/metrics", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"run_id":"run-1","step":0,"name":"loss","value":0.5}]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(srv.URL, "tok")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runs, err := c.ListRuns(context.Background(), 5)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" || runs[0].LastStep != 4 {
		t.Fatalf("unexpected runs: %#v", runs)
	}
	points, err := c.GetMetrics(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetMetrics failed: %v", err)
	}
	if len(points) != 1 || points[0].Name != "loss" || points[0].Value != 0.5 {
		t.Fatalf("unexpected points: %#v", points)
	}
}

func TestGetRun(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/runs/run-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		_, _ = w.Write([]byte(`{"id":"run-1","project":"p","status":"completed","last_step":9,"metrics":{"loss":{"value":0.1,"step":9,"min":0.1,"max":2,"count":10}}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(srv.URL, "tok")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	detail, err := c.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	want := types.RunDetail{
		RunSummary: types.RunSummary{ID: "run-1", Project: "p", Status: types.StatusCompleted, LastStep: 9},
		Metrics:    map[string]types.MetricSummary{"loss": {Value: 0.1, Step: 9, Min: 0.1, Max: 2, Count: 10}},
	}
	if diff := cmp.Diff(want, detail); diff != "" {
		t.Fatalf("unexpected detail (-want +got):\n%s", diff)
	}
	if _, err := c.GetRun(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty run id")
	}
}
