package cmd

import (
	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmesh/internal/durablestore"
	"github.com/taskmesh/taskmesh/internal/logger"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply durable store schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := setupContext(cmd.Context(), cfg)
			defer cancel()

			if err := durablestore.Migrate(ctx, cfg.Postgres.DSN); err != nil {
				return err
			}
			logger.Info(ctx, "Migrations applied")
			return nil
		},
	}
}
