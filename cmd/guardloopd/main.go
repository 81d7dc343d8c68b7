// Command guardloopd is the fleet supervisor binary: it terminates
// agent WebSocket connections, runs the enforcement pipeline, and serves
// the parent UI's Control API over HTTP.
package main

import (
	"fmt"
	"os"

	"guardloop/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
