// Package main is the ravelserver entrypoint: a cobra root command with
// "serve" and "run" subcommands that wire storage, providers, the tool
// registry, the automation subsystem, and the WebSocket channel together,
// grounded on cmd/opencode/commands' serve.go/run.go.
package main

import (
	"fmt"
	"os"

	"github.com/ravel-labs/ravel/cmd/ravelserver/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
