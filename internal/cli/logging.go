package cli

import (
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"

	"github.com/mlflare/mlflare-go/internal/config"
)

// newLogger writes to stderr so stdout stays free for marker lines and
// command output. MLFLARE_VERBOSE raises the level when no flag did.
func newLogger(verbose int) logr.Logger {
	if verbose == 0 {
		verbose = config.ParseIntEnv("MLFLARE_VERBOSE", 0)
	}
	stdr.SetVerbosity(verbose)
	return stdr.New(log.New(os.Stderr, "mlflare ", log.LstdFlags)).WithName("cli")
}
