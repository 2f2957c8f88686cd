package cli

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/mlflare/mlflare-go/internal/config"
)

// Run dispatches one CLI invocation and returns the process exit code.
func Run(ctx context.Context, args []string) int {
	if err := config.LoadDotEnv(); err != nil {
		log.Printf("env file unavailable: %v", err)
	}
	if len(args) < 1 {
		printUsage()
		return 2
	}

	switch strings.TrimSpace(args[0]) {
	case "serve":
		return runServe(ctx, args[1:])
	case "log":
		return runLog(ctx, args[1:])
	case "emit":
		return runEmit(args[1:], os.Stdout)
	case "exec":
		return runExec(ctx, args[1:])
	case "status":
		return runStatus(ctx, args[1:], os.Stdout)
	case "help", "-h", "--help":
		printUsage()
		return 0
	default:
		log.Printf("unknown command %q", args[0])
		printUsage()
		return 2
	}
}
