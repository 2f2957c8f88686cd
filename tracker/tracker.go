// Package tracker is the convenience layer over client and run. A Tracker owns
// one active-run slot, the shutdown hooks that force-finish it, and the
// settings used to build a client for each new run.
package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"

	"github.com/mlflare/mlflare-go/client"
	"github.com/mlflare/mlflare-go/observe"
	"github.com/mlflare/mlflare-go/run"
	"github.com/mlflare/mlflare-go/runtime/shutdown"
	"github.com/mlflare/mlflare-go/types"
)

// ErrNoActiveRun is returned by Log, LogStep and Finish before Init.
var ErrNoActiveRun = fmt.Errorf("%w: no active run, call Init first", run.ErrInvalidState)

// TransportFactory builds the transport for a run from resolved url and token.
type TransportFactory func(url, token string) (run.Transport, error)

type Tracker struct {
	mu     sync.Mutex
	active *run.Run

	url        string
	token      string
	factory    TransportFactory
	clientOpts []client.Option
	hooks      *shutdown.Hooks
	observer   observe.Sink
	tracerProv trace.TracerProvider
	logger     logr.Logger
}

type Option func(*Tracker)

// WithEndpoint sets the default url and token used by Init.
func WithEndpoint(url, token string) Option {
	return func(t *Tracker) {
		t.url = url
		t.token = token
	}
}

func WithClientOptions(opts ...client.Option) Option {
	return func(t *Tracker) { t.clientOpts = append(t.clientOpts, opts...) }
}

func WithTransportFactory(factory TransportFactory) Option {
	return func(t *Tracker) {
		if factory != nil {
			t.factory = factory
		}
	}
}

func WithHooks(hooks *shutdown.Hooks) Option {
	return func(t *Tracker) {
		if hooks != nil {
			t.hooks = hooks
		}
	}
}

func WithObserver(observer observe.Sink) Option {
	return func(t *Tracker) { t.observer = observer }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(t *Tracker) { t.tracerProv = tp }
}

func WithLogger(logger logr.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

func New(opts ...Option) *Tracker {
	t := &Tracker{logger: logr.Discard()}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithName("tracker")
	if t.hooks == nil {
		t.hooks = shutdown.New(shutdown.WithLogger(t.logger))
	}
	if t.factory == nil {
		t.factory = t.newClient
	}
	return t
}

func (t *Tracker) newClient(url, token string) (run.Transport, error) {
	opts := []client.Option{
		client.WithObserver(t.observer),
		client.WithLogger(t.logger),
	}
	if t.tracerProv != nil {
		opts = append(opts, client.WithTracerProvider(t.tracerProv))
	}
	opts = append(opts, t.clientOpts...)
	c, err := client.New(url, token, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type initOptions struct {
	url   string
	token string
}

type InitOption func(*initOptions)

// WithURL overrides the service URL for one Init call.
func WithURL(url string) InitOption {
	return func(o *initOptions) { o.url = url }
}

func WithToken(token string) InitOption {
	return func(o *initOptions) { o.token = token }
}

// Init builds a transport, starts a new run for project and makes it the
// active run. A previously active run is replaced without being finished;
// its shutdown hook still finishes it at Close.
func (t *Tracker) Init(ctx context.Context, project string, cfg types.RunConfig, opts ...InitOption) (*run.Run, error) {
	o := initOptions{url: t.url, token: t.token}
	for _, opt := range opts {
		opt(&o)
	}
	transport, err := t.factory(o.url, o.token)
	if err != nil {
		return nil, err
	}
	r := run.New(transport, project, cfg,
		run.WithShutdown(t.hooks),
		run.WithObserver(t.observer),
		run.WithLogger(t.logger),
	)
	if err := r.Start(ctx); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.active = r
	t.mu.Unlock()
	return r, nil
}

// Active returns the active run or nil.
func (t *Tracker) Active() *run.Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Tracker) Log(ctx context.Context, metrics types.Metrics) error {
	r := t.Active()
	if r == nil {
		return ErrNoActiveRun
	}
	return r.Log(ctx, metrics)
}

func (t *Tracker) LogStep(ctx context.Context, metrics types.Metrics, step int) error {
	r := t.Active()
	if r == nil {
		return ErrNoActiveRun
	}
	return r.LogStep(ctx, metrics, step)
}

// Finish finishes the active run and clears the slot, even when the finish
// request fails.
func (t *Tracker) Finish(ctx context.Context, status types.RunStatus) error {
	t.mu.Lock()
	r := t.active
	t.active = nil
	t.mu.Unlock()
	if r == nil {
		return ErrNoActiveRun
	}
	return r.Finish(ctx, status)
}

// Close runs the shutdown hooks, force-finishing every run started through
// this tracker that has not finished yet.
func (t *Tracker) Close(ctx context.Context) {
	t.mu.Lock()
	t.active = nil
	t.mu.Unlock()
	t.hooks.Run(ctx)
}

// Watch runs the shutdown hooks when the process receives SIGINT or SIGTERM
// or ctx ends. A signal still terminates the process once the hooks are done.
func (t *Tracker) Watch(ctx context.Context) (stop func()) {
	return t.hooks.Watch(ctx)
}

type contextKey struct{}

// WithContext returns a child context carrying t.
func WithContext(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the tracker carried by ctx, if any.
func FromContext(ctx context.Context) (*Tracker, bool) {
	t, ok := ctx.Value(contextKey{}).(*Tracker)
	return t, ok && t != nil
}
