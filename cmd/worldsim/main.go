// Command worldsim runs simulation test suites against agents.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/worldsim/internal/cli"
)

var version = "0.1.0-dev"

func main() {
	cli.Version = version
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
