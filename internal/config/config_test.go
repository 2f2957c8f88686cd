package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestResolveEndpoint_ExplicitWins(t *testing.T) {
	t.Setenv(EnvURL, "http://env.example")
	t.Setenv(EnvToken, "env-token")

	ep, err := ResolveEndpoint("http://explicit.example/", "tok")
	if err != nil {
		t.Fatalf("ResolveEndpoint failed: %v", err)
	}
	if ep.URL != "http://explicit.example" || ep.Token != "tok" {
		t.Fatalf("unexpected endpoint: %#v", ep)
	}
}

func TestResolveEndpoint_EnvFallback(t *testing.T) {
	t.Setenv(EnvURL, "http://env.example//")
	t.Setenv(EnvToken, "env-token")

	ep, err := ResolveEndpoint("", "")
	if err != nil {
		t.Fatalf("ResolveEndpoint failed: %v", err)
	}
	if ep.URL != "http://env.example" || ep.Token != "env-token" {
		t.Fatalf("unexpected endpoint: %#v", ep)
	}
}

func TestResolveEndpoint_Missing(t *testing.T) {
	t.Setenv(EnvURL, "")
	t.Setenv(EnvToken, "")

	if _, err := ResolveEndpoint("", "tok"); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing for url, got %v", err)
	}
	if _, err := ResolveEndpoint("http://x", ""); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing for token, got %v", err)
	}
}

func TestParseHelpers(t *testing.T) {
	t.Setenv("MLFLARE_TEST_INT", "42")
	t.Setenv("MLFLARE_TEST_BAD_INT", "x")
	t.Setenv("MLFLARE_TEST_DUR", "3s")
	t.Setenv("MLFLARE_TEST_BOOL", "yes")

	if got := ParseIntEnv("MLFLARE_TEST_INT", 1); got != 42 {
		t.Fatalf("unexpected int: %d", got)
	}
	if got := ParseIntEnv("MLFLARE_TEST_BAD_INT", 7); got != 7 {
		t.Fatalf("expected fallback, got %d", got)
	}
	if got := ParseDurationEnv("MLFLARE_TEST_DUR", time.Second); got != 3*time.Second {
		t.Fatalf("unexpected duration: %s", got)
	}
	if !ParseBoolEnv("MLFLARE_TEST_BOOL", false) {
		t.Fatalf("expected true")
	}
	if ParseBoolString("maybe", false) {
		t.Fatalf("expected fallback for unknown bool")
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "MLFLARE_DOTENV_NEW=from-file\nMLFLARE_DOTENV_SET=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("MLFLARE_DOTENV_SET", "from-env")
	t.Setenv("MLFLARE_DOTENV_NEW", "")
	os.Unsetenv("MLFLARE_DOTENV_NEW")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv("MLFLARE_DOTENV_NEW"); got != "from-file" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if got := os.Getenv("MLFLARE_DOTENV_SET"); got != "from-env" {
		t.Fatalf("expected existing env to win, got %q", got)
	}
}
