package cli

import "fmt"

func printUsage() {
	fmt.Println("MLflare experiment tracking CLI")
	fmt.Println("Usage:")
	fmt.Println("  mlflare serve [--addr=127.0.0.1:8787] [--token=T] [--config=mlflare.yaml] [--store=sqlite|redis|hybrid|memory]")
	fmt.Println("  mlflare log --project=P --metrics=loss=0.5,acc=0.9 [--step=N] [--param=lr=0.01] [--status=completed|failed]")
	fmt.Println("  mlflare emit [--metrics=loss=0.5] [name=value ...]")
	fmt.Println("  mlflare exec --project=P [--param=k=v] -- command [args...]")
	fmt.Println("  mlflare status [--limit=20] [--project=P] [run-id]")
	fmt.Println()
	fmt.Println("Common flags:")
	fmt.Println("  --url=URL                    Tracking service URL")
	fmt.Println("  --token=TOKEN                Bearer token")
	fmt.Println("  -v, --verbose[=N]            Log verbosity on stderr")
	fmt.Println("  --tracing=true               Log request and run spans")
	fmt.Println()
	fmt.Println("Serve flags:")
	fmt.Println("  --sqlite-path=PATH           SQLite database file")
	fmt.Println("  --heartbeat=15s              Live stream heartbeat interval")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  MLFLARE_URL                  Tracking service URL")
	fmt.Println("  MLFLARE_API_TOKEN            Client bearer token")
	fmt.Println("  MLFLARE_SERVER_ADDR          serve listen address")
	fmt.Println("  MLFLARE_SERVER_TOKEN         serve bearer token")
	fmt.Println("  MLFLARE_STORE_BACKEND        sqlite, redis, hybrid or memory")
	fmt.Println("  MLFLARE_SQLITE_PATH          SQLite database file")
	fmt.Println("  MLFLARE_REDIS_ADDR           Redis address (redis and hybrid)")
	fmt.Println("  MLFLARE_REDIS_PASSWORD       Redis password")
	fmt.Println("  MLFLARE_REDIS_DB             Redis database number")
	fmt.Println("  MLFLARE_REDIS_TTL            Redis key TTL, e.g. 72h")
	fmt.Println("  MLFLARE_TRACING              Enable span logging")
	fmt.Println("  MLFLARE_VERBOSE              Log verbosity")
}
