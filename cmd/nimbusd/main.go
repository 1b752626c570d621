// Command nimbusd is the Nimbus controller process. All logic lives in
// internal/cli; main only wires panic recovery and process exit codes.
package main

import (
	"fmt"
	"os"

	"github.com/nimbus-sched/nimbus/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
