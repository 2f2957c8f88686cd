// Package shutdown provides the "run this callback at shutdown, best-effort"
// capability that runs use to force-finish when the host process exits.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-logr/logr"
)

// Registrar accepts callbacks to run once when the host shuts down.
type Registrar interface {
	Register(name string, fn func(ctx context.Context) error)
}

type RegistrarFunc func(name string, fn func(ctx context.Context) error)

func (f RegistrarFunc) Register(name string, fn func(ctx context.Context) error) {
	if f != nil {
		f(name, fn)
	}
}

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// Hooks runs registered callbacks in reverse registration order. Each
// callback runs at most once; its errors and panics are logged and dropped.
type Hooks struct {
	mu     sync.Mutex
	hooks  []hook
	ran    bool
	logger logr.Logger
	raise  func(os.Signal)
}

type Option func(*Hooks)

func WithLogger(logger logr.Logger) Option {
	return func(h *Hooks) { h.logger = logger }
}

func New(opts ...Option) *Hooks {
	h := &Hooks{logger: logr.Discard(), raise: reraise}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithName("shutdown")
	return h
}

// Register adds fn. Callbacks registered after Run has fired are ignored.
func (h *Hooks) Register(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ran {
		h.logger.V(1).Info("ignoring hook registered after shutdown", "hook", name)
		return
	}
	h.hooks = append(h.hooks, hook{name: name, fn: fn})
}

func (h *Hooks) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hooks)
}

// Run executes every registered callback. Later calls are no-ops.
func (h *Hooks) Run(ctx context.Context) {
	h.mu.Lock()
	if h.ran {
		h.mu.Unlock()
		return
	}
	h.ran = true
	pending := h.hooks
	h.hooks = nil
	h.mu.Unlock()

	for i := len(pending) - 1; i >= 0; i-- {
		if err := h.invoke(ctx, pending[i]); err != nil {
			h.logger.Error(err, "shutdown hook failed", "hook", pending[i].name)
		}
	}
}

func (h *Hooks) invoke(ctx context.Context, hk hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return hk.fn(ctx)
}

// Watch runs the hooks when one of the signals arrives or ctx is done.
// Without explicit signals it listens for SIGINT and SIGTERM. After the hooks
// have run for a signal, the handler is detached and the signal is delivered
// again so the process terminates as it would have without Watch. The
// returned stop function detaches the handler without running the hooks.
func (h *Hooks) Watch(ctx context.Context, signals ...os.Signal) (stop func()) {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	done := make(chan struct{})
	var once sync.Once
	stop = func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
		})
	}

	go func() {
		select {
		case sig := <-sigCh:
			h.logger.Info("signal received, running shutdown hooks", "signal", sig.String())
			h.Run(context.WithoutCancel(ctx))
			stop()
			if h.raise != nil {
				h.raise(sig)
			}
		case <-ctx.Done():
			h.Run(context.WithoutCancel(ctx))
		case <-done:
		}
	}()
	return stop
}

// reraise delivers sig to the current process with default handling
// restored, falling back to the conventional 128+signo exit status.
func reraise(sig os.Signal) {
	if p, err := os.FindProcess(os.Getpid()); err == nil && p.Signal(sig) == nil {
		return
	}
	code := 1
	if s, ok := sig.(syscall.Signal); ok {
		code = 128 + int(s)
	}
	os.Exit(code)
}

var _ Registrar = (*Hooks)(nil)
