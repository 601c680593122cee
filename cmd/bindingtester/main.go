// Command bindingtester runs a binding-tester instruction stream against a
// transactional key-value store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/bindingtester/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
