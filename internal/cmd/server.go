package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/coordstore"
	"github.com/taskmesh/taskmesh/internal/decomposer"
	"github.com/taskmesh/taskmesh/internal/durablestore"
	"github.com/taskmesh/taskmesh/internal/frontend"
	"github.com/taskmesh/taskmesh/internal/logger"
	"github.com/taskmesh/taskmesh/internal/metrics"
	"github.com/taskmesh/taskmesh/internal/orchestrator"
	"github.com/taskmesh/taskmesh/internal/planner"
	"github.com/taskmesh/taskmesh/internal/registry"
)

func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the orchestrator",
		Long:  `taskmesh server [--host=<host>] [--port=<port>]`,
		PreRun: func(cmd *cobra.Command, _ []string) {
			_ = viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
			_ = viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := setupContext(cmd.Context(), cfg)
			defer cancel()
			return runServer(ctx, cfg)
		},
	}
	cmd.Flags().StringP("host", "s", "", "orchestrator bind host")
	cmd.Flags().IntP("port", "p", 0, "orchestrator bind port")
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config) error {
	rdb, err := coordstore.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	coord := coordstore.New(rdb)
	defer func() { _ = coord.Close() }()

	if err := durablestore.Migrate(ctx, cfg.Postgres.DSN); err != nil {
		return err
	}
	tasks, err := durablestore.New(ctx, cfg.Postgres.DSN, cfg.Postgres.PoolMin, cfg.Postgres.PoolMax)
	if err != nil {
		return err
	}
	defer tasks.Close()

	reg := registry.New(coord, cfg.Scheduler.LivenessWindow)
	counters := metrics.NewCounters()
	core := orchestrator.New(
		coord, tasks, reg,
		decomposer.New(buildPlanner(cfg)),
		counters, cfg.Scheduler,
	)

	core.Start(ctx)
	defer core.Wait()

	server := frontend.New(core,
		metrics.NewRegistry(metrics.NewCollector(version, coord, reg), counters),
		cfg.Server)
	if err := server.Serve(ctx); err != nil {
		return err
	}
	logger.Info(ctx, "Orchestrator stopped")
	return nil
}

// buildPlanner returns the remote planner when an API key is configured.
// Without one, every submission takes the single-subtask fallback.
func buildPlanner(cfg *config.Config) planner.Planner {
	if cfg.Planner.APIKey == "" {
		return disabledPlanner{}
	}
	return planner.NewOpenAI(cfg.Planner)
}

type disabledPlanner struct{}

func (disabledPlanner) Plan(context.Context, string) ([]planner.PlanStep, error) {
	return nil, errors.New("planner disabled: no API key configured")
}
