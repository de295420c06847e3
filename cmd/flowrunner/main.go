package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	err := rootCmd().Execute()
	if err == nil {
		os.Exit(0)
	}
	fmt.Fprintln(os.Stderr, err)

	var infraErr *infraError
	if errors.As(err, &infraErr) {
		os.Exit(2)
	}
	os.Exit(1)
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flowrunner",
		Short:         "Task scheduling and I/O mediation service for flow executions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serverCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(schedulerCmd())
	root.AddCommand(migrateCmd())
	return root
}
