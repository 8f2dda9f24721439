// Command doneq runs the self-hostable webhook queue: a single
// process serving ingress HTTP, the state manager's durable-queue
// consumer, and the daily activator, replacing the reference system's
// separate dispatch/worker/producer binaries since a single active
// instance is assumed.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "doneq",
		Short: "Done Light: a self-hostable HTTP webhook queue",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(seedCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
