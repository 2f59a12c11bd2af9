// Command ric is the operational entry point for the Retrieval & Ingestion
// Core: `ric serve` wires and holds the service open, `ric migrate-indexes`
// provisions/validates the configured store.
package main

import (
	"fmt"
	"os"

	"ric/cmd/ric/commands"
)

func main() {
	err := commands.NewRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(commands.ExitCode(err))
}
