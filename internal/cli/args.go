package cli

import (
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/mlflare/mlflare-go/internal/config"
	"github.com/mlflare/mlflare-go/store"
	"github.com/mlflare/mlflare-go/types"
)

// parseArgs reads --key=value flags until the first positional argument or
// "--". Everything after that is returned untouched.
func parseArgs(args []string) (cliOptions, []string, error) {
	opts := cliOptions{
		config:  types.RunConfig{},
		metrics: types.Metrics{},
		tracing: config.ParseBoolEnv("MLFLARE_TRACING", false),
	}
	for i, arg := range args {
		switch {
		case arg == "--":
			return opts, args[i+1:], nil
		case strings.HasPrefix(arg, "--url="):
			opts.url = strings.TrimSpace(strings.TrimPrefix(arg, "--url="))
		case strings.HasPrefix(arg, "--token="):
			opts.token = strings.TrimSpace(strings.TrimPrefix(arg, "--token="))
		case strings.HasPrefix(arg, "--project="):
			opts.project = strings.TrimSpace(strings.TrimPrefix(arg, "--project="))
		case strings.HasPrefix(arg, "--param="):
			key, value, ok := strings.Cut(strings.TrimPrefix(arg, "--param="), "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				return opts, nil, fmt.Errorf("invalid --param %q: expected key=value", arg)
			}
			opts.config[key] = parseParamValue(value)
		case strings.HasPrefix(arg, "--metrics="):
			metrics, err := parseMetrics(strings.TrimPrefix(arg, "--metrics="))
			if err != nil {
				return opts, nil, err
			}
			for k, v := range metrics {
				opts.metrics[k] = v
			}
		case strings.HasPrefix(arg, "--step="):
			step, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(arg, "--step=")))
			if err != nil {
				return opts, nil, fmt.Errorf("invalid --step: %w", err)
			}
			opts.step = &step
		case strings.HasPrefix(arg, "--status="):
			opts.status = types.RunStatus(strings.TrimSpace(strings.TrimPrefix(arg, "--status=")))
		case strings.HasPrefix(arg, "--limit="):
			limit, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(arg, "--limit=")))
			if err != nil || limit < 0 {
				return opts, nil, fmt.Errorf("invalid --limit %q", arg)
			}
			opts.limit = limit
		case strings.HasPrefix(arg, "--tracing="):
			opts.tracing = config.ParseBoolString(strings.TrimPrefix(arg, "--tracing="), opts.tracing)
		case arg == "-v" || arg == "--verbose":
			opts.verbose = 1
		case strings.HasPrefix(arg, "--verbose="):
			opts.verbose = parseInt(strings.TrimPrefix(arg, "--verbose="), 1)
		case strings.HasPrefix(arg, "--"):
			return opts, nil, fmt.Errorf("unknown flag %q", arg)
		default:
			return opts, args[i:], nil
		}
	}
	return opts, nil, nil
}

func parseServeArgs(args []string) (serveOptions, error) {
	opts := serveOptions{
		addr:    config.Getenv("MLFLARE_SERVER_ADDR", ""),
		token:   config.Getenv("MLFLARE_SERVER_TOKEN", ""),
		tracing: config.ParseBoolEnv("MLFLARE_TRACING", false),
	}
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--addr="):
			opts.addr = strings.TrimSpace(strings.TrimPrefix(arg, "--addr="))
		case strings.HasPrefix(arg, "--token="):
			opts.token = strings.TrimSpace(strings.TrimPrefix(arg, "--token="))
		case strings.HasPrefix(arg, "--config="):
			opts.configPath = strings.TrimSpace(strings.TrimPrefix(arg, "--config="))
		case strings.HasPrefix(arg, "--store="):
			opts.backend = strings.TrimSpace(strings.TrimPrefix(arg, "--store="))
		case strings.HasPrefix(arg, "--sqlite-path="):
			opts.sqlitePath = strings.TrimSpace(strings.TrimPrefix(arg, "--sqlite-path="))
		case strings.HasPrefix(arg, "--heartbeat="):
			opts.heartbeat = strings.TrimSpace(strings.TrimPrefix(arg, "--heartbeat="))
		case strings.HasPrefix(arg, "--tracing="):
			opts.tracing = config.ParseBoolString(strings.TrimPrefix(arg, "--tracing="), opts.tracing)
		default:
			return opts, fmt.Errorf("unknown serve flag %q", arg)
		}
	}
	return opts, nil
}

// parseMetrics reads "name=value" pairs separated by commas.
func parseMetrics(raw string) (types.Metrics, error) {
	out := types.Metrics{}
	for _, pair := range splitCSV(raw) {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid metric %q: expected name=value", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for metric %q: %w", name, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("invalid value for metric %q: must be finite", name)
		}
		out[name] = v
	}
	return out, nil
}

// parseParamValue keeps numbers and booleans typed in the run config.
func parseParamValue(raw string) any {
	raw = strings.TrimSpace(raw)
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
		return v
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		return v
	}
	return raw
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseInt(raw string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return v
}

func closeStore(st store.Store) {
	if st == nil {
		return
	}
	if err := st.Close(); err != nil {
		log.Printf("store close failed: %v", err)
	}
}
