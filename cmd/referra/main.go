// Command referra runs and administers the referral ledger.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/referra/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "referra:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
