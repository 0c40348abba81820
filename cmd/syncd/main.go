// Command syncd is the thin operations entrypoint for the sync engine: it
// wires a Local Store, Remote Connector, table lock, and Facade from
// configuration, then drains/pulls on demand or as a long-running daemon.
package main

import (
	"fmt"
	"os"

	"github.com/vitaliisemenov/spsync/cmd/syncd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
