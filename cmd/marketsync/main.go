// Command marketsync syncs marketplace dashboard collections into a local
// snapshot store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/marketsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
