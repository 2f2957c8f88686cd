// Package runtimeconfig loads the tracking server's config file. The file is
// YAML; JSON works too since it is a YAML subset. Values of the form ${VAR}
// are expanded from the environment.
package runtimeconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/mlflare/mlflare-go/store/factory"
)

type Config struct {
	Addr      string      `yaml:"addr"`
	Token     string      `yaml:"token"`
	Heartbeat string      `yaml:"heartbeat"`
	Tracing   bool        `yaml:"tracing"`
	Store     StoreConfig `yaml:"store"`
}

type StoreConfig struct {
	Backend       string `yaml:"backend"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       *int   `yaml:"redis_db"`
	RedisTTL      string `yaml:"redis_ttl"`
}

func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}, fmt.Errorf("config path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %q: %w", absPath, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config file %q: %w", absPath, err)
	}
	return cfg, nil
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	cfg.Addr = expand(cfg.Addr)
	cfg.Token = expand(cfg.Token)
	cfg.Heartbeat = strings.TrimSpace(cfg.Heartbeat)
	cfg.Store.Backend = strings.ToLower(expand(cfg.Store.Backend))
	cfg.Store.SQLitePath = expand(cfg.Store.SQLitePath)
	cfg.Store.RedisAddr = expand(cfg.Store.RedisAddr)
	cfg.Store.RedisPassword = expand(cfg.Store.RedisPassword)
	cfg.Store.RedisTTL = strings.TrimSpace(cfg.Store.RedisTTL)

	if _, err := cfg.HeartbeatInterval(); err != nil {
		return Config{}, err
	}
	if _, err := parseDuration("store.redis_ttl", cfg.Store.RedisTTL); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// HeartbeatInterval returns zero when no heartbeat is set.
func (c Config) HeartbeatInterval() (time.Duration, error) {
	return parseDuration("heartbeat", c.Heartbeat)
}

// StoreSettings overlays the file's store section on base. Fields the file
// leaves empty keep base's value.
func (c Config) StoreSettings(base factory.Settings) factory.Settings {
	out := base
	if c.Store.Backend != "" {
		out.Backend = c.Store.Backend
	}
	if c.Store.SQLitePath != "" {
		out.SQLitePath = c.Store.SQLitePath
	}
	if c.Store.RedisAddr != "" {
		out.RedisAddr = c.Store.RedisAddr
	}
	if c.Store.RedisPassword != "" {
		out.RedisPassword = c.Store.RedisPassword
	}
	if c.Store.RedisDB != nil {
		out.RedisDB = *c.Store.RedisDB
	}
	if ttl, _ := parseDuration("store.redis_ttl", c.Store.RedisTTL); ttl > 0 {
		out.RedisTTL = ttl
	}
	return out
}

func expand(v string) string {
	return strings.TrimSpace(os.ExpandEnv(v))
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", field, raw)
	}
	return d, nil
}
