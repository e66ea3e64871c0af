// Command director is the CLI entry point: it hands argv to the cli
// package, which loads the env file and config before dispatching to a
// subcommand, and exits with whatever status that subcommand returned.
package main

import (
	"context"
	"os"

	"github.com/freebsd-jails/director/cli"
)

// set at compile time via -ldflags
var version = "dev"

const program = "director"

func main() {
	code := cli.Run(context.Background(), program, version, os.Args[1:])
	os.Exit(code)
}
