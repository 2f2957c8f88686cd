// Package run owns the lifecycle of a single tracked experiment run:
// start, sequential metric logging with an auto-incrementing step, and an
// idempotent finish.
//
// A Run is meant to be driven from one goroutine. Its state is guarded so
// that a shutdown hook firing on another goroutine can finish it safely.
package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/mlflare/mlflare-go/observe"
	"github.com/mlflare/mlflare-go/runtime/shutdown"
	"github.com/mlflare/mlflare-go/types"
)

var (
	ErrInvalidState = errors.New("run: invalid state")
	ErrNotStarted   = fmt.Errorf("%w: run not initialized", ErrInvalidState)
	ErrFinished     = fmt.Errorf("%w: cannot log to a finished run", ErrInvalidState)
	ErrStarted      = fmt.Errorf("%w: run already started", ErrInvalidState)
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateActive        State = "active"
	StateFinished      State = "finished"
)

// Transport is the subset of the HTTP client a Run needs.
type Transport interface {
	InitRun(ctx context.Context, project string, cfg types.RunConfig) (types.InitResponse, error)
	LogMetrics(ctx context.Context, runID string, metrics types.Metrics, step int) (types.Response, error)
	FinishRun(ctx context.Context, runID string, status types.RunStatus) (types.Response, error)
}

type Run struct {
	transport Transport
	project   string
	config    types.RunConfig
	configErr error

	mu           sync.Mutex
	id           string
	experimentID string
	nextStep     int
	finished     bool

	registrar shutdown.Registrar
	observer  observe.Sink
	logger    logr.Logger
}

type Option func(*Run)

// WithShutdown registers a force-finish hook with r once Start succeeds.
func WithShutdown(r shutdown.Registrar) Option {
	return func(run *Run) { run.registrar = r }
}

func WithObserver(observer observe.Sink) Option {
	return func(run *Run) { run.observer = observer }
}

func WithLogger(logger logr.Logger) Option {
	return func(run *Run) { run.logger = logger }
}

// New prepares a run for project. cfg is snapshotted so later changes made
// by the caller are not sent.
func New(transport Transport, project string, cfg types.RunConfig, opts ...Option) *Run {
	snapshot, err := cfg.Clone()
	r := &Run{
		transport: transport,
		project:   project,
		config:    snapshot,
		configErr: err,
		logger:    logr.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithName("run").WithValues("project", project)
	return r
}

func (r *Run) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *Run) ExperimentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.experimentID
}

func (r *Run) Project() string { return r.project }

func (r *Run) NextStep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextStep
}

func (r *Run) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func (r *Run) Config() types.RunConfig {
	out, _ := r.config.Clone()
	return out
}

func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.finished:
		return StateFinished
	case r.id != "":
		return StateActive
	default:
		return StateUninitialized
	}
}

// Start asks the service for a run id. On failure the run stays
// uninitialized and the transport error is returned unchanged.
func (r *Run) Start(ctx context.Context) error {
	r.mu.Lock()
	finished, id := r.finished, r.id
	r.mu.Unlock()
	if finished {
		return fmt.Errorf("%w: run already finished", ErrInvalidState)
	}
	if id != "" {
		return ErrStarted
	}
	if r.configErr != nil {
		return r.configErr
	}
	started := time.Now()
	resp, err := r.transport.InitRun(ctx, r.project, r.config)
	if err != nil {
		r.emit(ctx, "", observe.Event{Kind: observe.KindRun, Status: observe.StatusFailed, Name: "start", Error: err.Error()})
		return err
	}
	r.mu.Lock()
	r.id = resp.RunID
	r.experimentID = resp.ExperimentID
	r.logger = r.logger.WithValues("runId", resp.RunID)
	r.mu.Unlock()
	if r.registrar != nil {
		r.registrar.Register("mlflare-run-"+resp.RunID, r.finishOnShutdown)
	}
	r.emit(ctx, resp.RunID, observe.Event{
		Kind:       observe.KindRun,
		Status:     observe.StatusStarted,
		Name:       "start",
		DurationMs: time.Since(started).Milliseconds(),
	})
	r.log().V(1).Info("run started")
	return nil
}

// Log sends metrics at the next auto-incremented step.
func (r *Run) Log(ctx context.Context, metrics types.Metrics) error {
	r.mu.Lock()
	if err := r.checkActive(); err != nil {
		r.mu.Unlock()
		return err
	}
	id, step := r.id, r.nextStep
	r.nextStep++
	r.mu.Unlock()
	return r.send(ctx, id, metrics, step)
}

// LogStep sends metrics at an explicit step and rebases the counter so the
// next Log continues at step+1. Steps lower than earlier ones are accepted.
func (r *Run) LogStep(ctx context.Context, metrics types.Metrics, step int) error {
	r.mu.Lock()
	if err := r.checkActive(); err != nil {
		r.mu.Unlock()
		return err
	}
	id := r.id
	r.nextStep = step + 1
	r.mu.Unlock()
	return r.send(ctx, id, metrics, step)
}

// checkActive must be called with r.mu held.
func (r *Run) checkActive() error {
	if r.finished {
		return ErrFinished
	}
	if r.id == "" {
		return ErrNotStarted
	}
	return nil
}

func (r *Run) send(ctx context.Context, id string, metrics types.Metrics, step int) error {
	started := time.Now()
	_, err := r.transport.LogMetrics(ctx, id, metrics, step)
	event := observe.Event{
		Kind:       observe.KindMetrics,
		Status:     observe.StatusCompleted,
		Step:       observe.StepPtr(step),
		DurationMs: time.Since(started).Milliseconds(),
		Attributes: map[string]any{"metrics": len(metrics)},
	}
	if err != nil {
		event.Status = observe.StatusFailed
		event.Error = err.Error()
	}
	r.emit(ctx, id, event)
	return err
}

// Finish marks the run finished and reports status to the service. It is a
// no-op once the run has finished, and sends nothing if Start never
// succeeded. An empty status means completed.
func (r *Run) Finish(ctx context.Context, status types.RunStatus) error {
	// The flag is claimed before the network call so that a racing
	// shutdown hook observes the run as already finished.
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return nil
	}
	r.finished = true
	id := r.id
	r.mu.Unlock()
	if status == "" {
		status = types.StatusCompleted
	}
	if id == "" {
		return nil
	}
	_, err := r.transport.FinishRun(ctx, id, status)
	event := observe.Event{
		Kind:       observe.KindRun,
		Status:     observe.StatusCompleted,
		Name:       "finish",
		Attributes: map[string]any{"runStatus": string(status)},
	}
	if status == types.StatusFailed {
		event.Status = observe.StatusFailed
	}
	if err != nil {
		event.Status = observe.StatusFailed
		event.Error = err.Error()
	}
	r.emit(ctx, id, event)
	r.log().V(1).Info("run finished", "status", string(status))
	return err
}

// Do runs fn and then finishes the run: "failed" if fn returned an error or
// panicked, "completed" otherwise. A panic is re-raised after finishing. The
// error from fn takes precedence over a finish error.
func (r *Run) Do(ctx context.Context, fn func(ctx context.Context, r *Run) error) (err error) {
	status := types.StatusFailed
	defer func() {
		if p := recover(); p != nil {
			_ = r.Finish(ctx, types.StatusFailed)
			panic(p)
		}
		finishErr := r.Finish(ctx, status)
		if err == nil {
			err = finishErr
		}
	}()
	err = fn(ctx, r)
	if err == nil {
		status = types.StatusCompleted
	}
	return err
}

func (r *Run) finishOnShutdown(ctx context.Context) error {
	r.mu.Lock()
	finished, id := r.finished, r.id
	r.mu.Unlock()
	if finished {
		return nil
	}
	r.emit(ctx, id, observe.Event{Kind: observe.KindShutdown, Status: observe.StatusStarted, Name: "force-finish"})
	return r.Finish(ctx, types.StatusCompleted)
}

func (r *Run) log() logr.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logger
}

func (r *Run) emit(ctx context.Context, id string, event observe.Event) {
	event.RunID = id
	event.Project = r.project
	observe.Emit(ctx, r.observer, event)
}
