// Package factory builds the tracking server's store from environment
// variables.
package factory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mlflare/mlflare-go/internal/config"
	"github.com/mlflare/mlflare-go/store"
	"github.com/mlflare/mlflare-go/store/hybrid"
	"github.com/mlflare/mlflare-go/store/memory"
	redisstore "github.com/mlflare/mlflare-go/store/redis"
	sqlitestore "github.com/mlflare/mlflare-go/store/sqlite"
)

const (
	EnvBackend       = "MLFLARE_STORE_BACKEND"
	EnvSQLitePath    = "MLFLARE_SQLITE_PATH"
	EnvRedisAddr     = "MLFLARE_REDIS_ADDR"
	EnvRedisPassword = "MLFLARE_REDIS_PASSWORD"
	EnvRedisDB       = "MLFLARE_REDIS_DB"
	EnvRedisTTL      = "MLFLARE_REDIS_TTL"

	DefaultSQLitePath = "./.mlflare/mlflare.db"
	DefaultRedisAddr  = "127.0.0.1:6379"
)

// Settings selects and configures a backend. Zero fields take defaults.
type Settings struct {
	Backend       string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
}

// SettingsFromEnv reads Settings from MLFLARE_* variables.
func SettingsFromEnv() Settings {
	return Settings{
		Backend:       config.Getenv(EnvBackend, "sqlite"),
		SQLitePath:    config.Getenv(EnvSQLitePath, DefaultSQLitePath),
		RedisAddr:     config.Getenv(EnvRedisAddr, DefaultRedisAddr),
		RedisPassword: config.Getenv(EnvRedisPassword, ""),
		RedisDB:       config.ParseIntEnv(EnvRedisDB, 0),
		RedisTTL:      config.ParseDurationEnv(EnvRedisTTL, 72*time.Hour),
	}
}

func FromEnv(ctx context.Context) (store.Store, error) {
	return New(ctx, SettingsFromEnv())
}

// New opens the backend named by s.Backend: sqlite, redis, hybrid or memory.
// The hybrid backend runs on sqlite alone when redis is unreachable.
func New(ctx context.Context, s Settings) (store.Store, error) {
	_ = ctx
	if s.SQLitePath == "" {
		s.SQLitePath = DefaultSQLitePath
	}
	if s.RedisAddr == "" {
		s.RedisAddr = DefaultRedisAddr
	}

	backend := strings.ToLower(strings.TrimSpace(s.Backend))
	switch backend {
	case "", "sqlite":
		st, err := sqlitestore.New(s.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil

	case "redis":
		return newRedisStore(s)

	case "hybrid":
		durable, err := sqlitestore.New(s.SQLitePath)
		if err != nil {
			return nil, err
		}
		cache, err := newRedisStore(s)
		if err != nil {
			log.Printf("redis cache unavailable, using sqlite only: %v", err)
			cache = nil
		}
		h, err := hybrid.New(durable, cache)
		if err != nil {
			_ = durable.Close()
			return nil, err
		}
		return h, nil

	case "memory":
		return memory.New(), nil

	default:
		return nil, fmt.Errorf("unsupported %s %q (use sqlite, redis, hybrid, or memory)", EnvBackend, backend)
	}
}

func newRedisStore(s Settings) (store.Store, error) {
	opts := []redisstore.Option{
		redisstore.WithPassword(s.RedisPassword),
		redisstore.WithDB(s.RedisDB),
		redisstore.WithTTL(s.RedisTTL),
	}
	st, err := redisstore.New(s.RedisAddr, opts...)
	if err != nil {
		return nil, err
	}
	return st, nil
}
