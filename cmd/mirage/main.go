// Command mirage boots, runs and inspects microkernel manifests.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/mirage/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "mirage:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
