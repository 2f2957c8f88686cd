// Package client is the HTTP transport used to report runs and metrics to an
// MLflare tracking service. Every call is a single JSON request/response
// exchange retried on server errors and connection failures.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/mlflare/mlflare-go/internal/config"
	"github.com/mlflare/mlflare-go/observe"
	"github.com/mlflare/mlflare-go/types"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "mlflare-go"

	pathInit   = "/sdk/init"
	pathLog    = "/sdk/log"
	pathFinish = "/sdk/finish"
	pathRuns   = "/api/v1/runs"
)

type Client struct {
	baseURL    string
	token      string
	userAgent  string
	timeout    time.Duration
	retry      RetryPolicy
	sleep      Sleeper
	httpClient *http.Client
	tracerProv trace.TracerProvider
	observer   observe.Sink
	logger     logr.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithTimeout bounds each individual attempt, not the whole retry sequence.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.retry = normalizeRetryPolicy(policy)
	}
}

func WithSleeper(sleep Sleeper) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

func WithObserver(observer observe.Sink) Option {
	return func(c *Client) { c.observer = observer }
}

// WithTracerProvider instruments outgoing requests with otelhttp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) { c.tracerProv = tp }
}

func WithLogger(logger logr.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if strings.TrimSpace(ua) != "" {
			c.userAgent = strings.TrimSpace(ua)
		}
	}
}

// New builds a client for the service at baseURL authenticating with token.
// Empty arguments fall back to MLFLARE_URL and MLFLARE_API_TOKEN.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	endpoint, err := config.ResolveEndpoint(baseURL, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if _, err := url.ParseRequestURI(endpoint.URL); err != nil {
		return nil, fmt.Errorf("%w: invalid MLflare URL %q: %v", ErrConfig, endpoint.URL, err)
	}

	c := &Client{
		baseURL:    endpoint.URL,
		token:      endpoint.Token,
		userAgent:  defaultUserAgent,
		timeout:    defaultTimeout,
		retry:      DefaultRetryPolicy(),
		sleep:      sleepContext,
		httpClient: &http.Client{},
		logger:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracerProv != nil {
		base := c.httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		instrumented := *c.httpClient
		instrumented.Transport = otelhttp.NewTransport(base, otelhttp.WithTracerProvider(c.tracerProv))
		c.httpClient = &instrumented
	}
	c.logger = c.logger.WithName("client")
	return c, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) InitRun(ctx context.Context, project string, cfg types.RunConfig) (types.InitResponse, error) {
	if cfg == nil {
		cfg = types.RunConfig{}
	}
	resp := types.Response{}
	if err := c.do(ctx, "init", http.MethodPost, pathInit, types.InitRequest{Project: project, Config: cfg}, &resp); err != nil {
		return types.InitResponse{}, err
	}
	out := types.InitResponse{Raw: resp}
	out.RunID, _ = resp["run_id"].(string)
	out.ExperimentID, _ = resp["experiment_id"].(string)
	if out.RunID == "" {
		return out, ErrMissingRunID
	}
	return out, nil
}

func (c *Client) LogMetrics(ctx context.Context, runID string, metrics types.Metrics, step int) (types.Response, error) {
	if metrics == nil {
		metrics = types.Metrics{}
	}
	resp := types.Response{}
	err := c.do(ctx, "log", http.MethodPost, pathLog, types.LogRequest{RunID: runID, Metrics: metrics, Step: step}, &resp)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = types.Response{}
	}
	return resp, nil
}

func (c *Client) FinishRun(ctx context.Context, runID string, status types.RunStatus) (types.Response, error) {
	if status == "" {
		status = types.StatusCompleted
	}
	resp := types.Response{}
	err := c.do(ctx, "finish", http.MethodPost, pathFinish, types.FinishRequest{RunID: runID, Status: status}, &resp)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = types.Response{}
	}
	return resp, nil
}

// ListRuns returns the most recent runs known to the service.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]types.RunSummary, error) {
	path := pathRuns
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var runs []types.RunSummary
	if err := c.do(ctx, "list_runs", http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []types.RunSummary{}
	}
	return runs, nil
}

// GetRun returns one run with a per-metric summary.
func (c *Client) GetRun(ctx context.Context, runID string) (types.RunDetail, error) {
	if strings.TrimSpace(runID) == "" {
		return types.RunDetail{}, fmt.Errorf("run id is required")
	}
	var detail types.RunDetail
	if err := c.do(ctx, "get_run", http.MethodGet, pathRuns+"/"+url.PathEscape(runID), nil, &detail); err != nil {
		return types.RunDetail{}, err
	}
	return detail, nil
}

func (c *Client) GetMetrics(ctx context.Context, runID string) ([]types.MetricPoint, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is required")
	}
	var points []types.MetricPoint
	path := pathRuns + "/" + url.PathEscape(runID) + "/metrics"
	if err := c.do(ctx, "get_metrics", http.MethodGet, path, nil, &points); err != nil {
		return nil, err
	}
	if points == nil {
		points = []types.MetricPoint{}
	}
	return points, nil
}

// do runs one logical call: attempts are strictly sequential and the waits
// between them strictly increase.
func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		payload = raw
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := c.retry.backoffForAttempt(attempt - 1)
			c.logger.V(1).Info("retrying request", "op", op, "attempt", attempt, "wait", wait.String(), "lastError", lastErr.Error())
			if err := c.sleep(ctx, wait); err != nil {
				return fmt.Errorf("MLflare API request %s interrupted: %w", op, err)
			}
		}
		err := c.attempt(ctx, op, attempt, method, path, payload, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("MLflare API request %s interrupted: %w", op, err)
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
	}
	return &RetryError{Op: op, Attempts: c.retry.MaxAttempts, Last: lastErr}
}

func (c *Client) attempt(ctx context.Context, op string, attempt int, method, path string, payload []byte, out any) (err error) {
	started := time.Now()
	httpStatus := 0
	observe.Emit(ctx, c.observer, observe.Event{
		Kind:    observe.KindTransport,
		Status:  observe.StatusStarted,
		Name:    op,
		Attempt: attempt,
	})
	defer func() {
		event := observe.Event{
			Kind:       observe.KindTransport,
			Status:     observe.StatusCompleted,
			Name:       op,
			Attempt:    attempt,
			HTTPStatus: httpStatus,
			DurationMs: time.Since(started).Milliseconds(),
		}
		if err != nil {
			event.Status = observe.StatusFailed
			event.Error = err.Error()
		}
		observe.Emit(ctx, c.observer, event)
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return &decodeError{err: fmt.Errorf("failed to create %s request: %w", op, err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("MLflare API request %s failed: %w", op, err)
	}
	defer resp.Body.Close()
	httpStatus = resp.StatusCode

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &decodeError{err: err}
	}
	return nil
}
