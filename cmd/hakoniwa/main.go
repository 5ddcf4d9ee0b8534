// Command hakoniwa is the CLI frontend over package hakoniwa: build a
// Container/Command from flags or a policy file and run a program
// inside it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hakoniwa-dev/hakoniwa-go"
)

func main() {
	// Init must run before anything else: if this process is actually
	// a re-exec'd intermediate or target stage, it never returns.
	hakoniwa.Init()

	root := &cobra.Command{
		Use:   "hakoniwa",
		Short: "Run a program inside an unprivileged Linux sandbox",
	}
	root.AddCommand(newRunCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hakoniwa: %v\n", err)
		os.Exit(1)
	}
}
