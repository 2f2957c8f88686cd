package cli

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mlflare/mlflare-go/runtimeconfig"
	"github.com/mlflare/mlflare-go/server"
	"github.com/mlflare/mlflare-go/store/factory"
)

type serveConfig struct {
	addr      string
	token     string
	heartbeat time.Duration
	tracing   bool
	store     factory.Settings
}

// resolveServeConfig layers env, then the config file, then flags.
func resolveServeConfig(opts serveOptions) (serveConfig, error) {
	cfg := serveConfig{
		addr:    opts.addr,
		token:   opts.token,
		tracing: opts.tracing,
		store:   factory.SettingsFromEnv(),
	}
	if opts.configPath != "" {
		file, err := runtimeconfig.Load(opts.configPath)
		if err != nil {
			return serveConfig{}, err
		}
		cfg.store = file.StoreSettings(cfg.store)
		if cfg.addr == "" {
			cfg.addr = file.Addr
		}
		if cfg.token == "" {
			cfg.token = file.Token
		}
		cfg.tracing = cfg.tracing || file.Tracing
		cfg.heartbeat, _ = file.HeartbeatInterval()
	}
	if opts.backend != "" {
		cfg.store.Backend = opts.backend
	}
	if opts.sqlitePath != "" {
		cfg.store.SQLitePath = opts.sqlitePath
	}
	if opts.heartbeat != "" {
		d, err := time.ParseDuration(opts.heartbeat)
		if err != nil {
			return serveConfig{}, err
		}
		cfg.heartbeat = d
	}
	if cfg.addr == "" {
		cfg.addr = server.DefaultAddr
	}
	return cfg, nil
}

func runServe(ctx context.Context, args []string) int {
	opts, err := parseServeArgs(args)
	if err != nil {
		log.Printf("serve: %v", err)
		return 2
	}
	cfg, err := resolveServeConfig(opts)
	if err != nil {
		log.Printf("serve: %v", err)
		return 2
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(0)
	st, err := factory.New(ctx, cfg.store)
	if err != nil {
		log.Printf("store setup failed: %v", err)
		return 1
	}
	defer closeStore(st)

	observer, tp, closeObserver := newObserver(logger, cfg.tracing)
	defer closeObserver()
	if cfg.token == "" {
		log.Println("no server token configured, accepting loopback clients only")
	}

	srv := server.NewServer(server.Config{
		Addr:              cfg.addr,
		Store:             st,
		Token:             cfg.token,
		TracerProvider:    tp,
		Observer:          observer,
		HeartbeatInterval: cfg.heartbeat,
	})
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("server failed: %v", err)
		return 1
	}
	return 0
}
