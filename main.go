package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fetalscan/fetalscan/cmd"
	"github.com/fetalscan/fetalscan/internal/conf"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=..."
var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	settings := &conf.Settings{Version: version, BuildDate: buildDate}

	if err := cmd.RootCommand(settings).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
