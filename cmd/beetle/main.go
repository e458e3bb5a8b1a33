// Command beetle reconciles batches from external systems into a SQLite
// target database.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/beetle/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
