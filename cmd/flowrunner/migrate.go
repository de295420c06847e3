package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"flowrunner/internal/config"
	"flowrunner/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			st, err := store.New(ctx, cfg.PostgresDSN)
			if err != nil {
				return wrapInfra(err)
			}
			defer st.Close()

			if err := st.RunMigrations(ctx); err != nil {
				return wrapInfra(err)
			}
			slog.Info("migrations applied")
			return nil
		},
	}
}
