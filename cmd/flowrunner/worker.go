package main

import (
	"context"

	"github.com/spf13/cobra"

	"flowrunner/internal/config"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run task workers only, with no HTTP or WebSocket surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(parentCtx context.Context) error {
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

	go rt.sched.SweepLoop(ctx)

	logger.Info("worker pool starting", "max_jobs", cfg.MaxJobs)
	err = rt.sched.Run(ctx)
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
