package cli

import "github.com/mlflare/mlflare-go/types"

type cliOptions struct {
	url     string
	token   string
	project string
	config  types.RunConfig
	metrics types.Metrics
	step    *int
	status  types.RunStatus
	limit   int
	verbose int
	tracing bool
}

type serveOptions struct {
	addr       string
	token      string
	configPath string
	backend    string
	sqlitePath string
	heartbeat  string
	tracing    bool
}
