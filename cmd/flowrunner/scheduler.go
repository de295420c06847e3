package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"flowrunner/internal/config"
)

func schedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the periodic reconciler that reaps orphaned tasks and expired streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(cmd.Context())
		},
	}
}

// orphanStaleAfter is how long a non-terminal task may go without a status
// update before the reconciler treats it as abandoned by a dead worker.
const orphanStaleAfter = 5 * time.Minute

func runScheduler(parentCtx context.Context) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger()
	ctx, cancel := installSignalCancel(parentCtx, logger)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("reconciler starting", "orphan_stale_after", orphanStaleAfter, "task_retention", cfg.TaskRetentionDays)
	rt.sched.ReconcileLoop(ctx, time.Minute, orphanStaleAfter)
	return nil
}
