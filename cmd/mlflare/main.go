package main

import (
	"context"
	"os"

	"github.com/mlflare/mlflare-go/internal/cli"
)

func main() {
	os.Exit(cli.Run(context.Background(), os.Args[1:]))
}
