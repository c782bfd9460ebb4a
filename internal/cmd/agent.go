package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskmesh/taskmesh/internal/agent"
	"github.com/taskmesh/taskmesh/internal/coordstore"
	"github.com/taskmesh/taskmesh/internal/logger"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Start a worker agent",
		Long:  `taskmesh agent [--id=<worker id>] [--capabilities=<cap,cap,...>] [--port=<port>]`,
		PreRun: func(cmd *cobra.Command, _ []string) {
			_ = viper.BindPFlag("agent.id", cmd.Flags().Lookup("id"))
			_ = viper.BindPFlag("agent.host", cmd.Flags().Lookup("host"))
			_ = viper.BindPFlag("agent.port", cmd.Flags().Lookup("port"))
			_ = viper.BindPFlag("agent.endpoint", cmd.Flags().Lookup("endpoint"))
			_ = viper.BindPFlag("agent.capabilities", cmd.Flags().Lookup("capabilities"))
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := setupContext(cmd.Context(), cfg)
			defer cancel()

			rdb, err := coordstore.NewClient(ctx, cfg.Redis.URL)
			if err != nil {
				return err
			}
			coord := coordstore.New(rdb)
			defer func() { _ = coord.Close() }()

			a := agent.New(cfg.Agent, cfg.Scheduler, coord, agent.NewExecutor(cfg.Planner))
			if err := a.Run(ctx); err != nil {
				return err
			}
			logger.Info(ctx, "Agent stopped", "workerId", cfg.Agent.ID)
			return nil
		},
	}
	cmd.Flags().String("id", "", "worker id (default: <hostname>@<pid>)")
	cmd.Flags().StringP("host", "s", "", "agent bind host")
	cmd.Flags().IntP("port", "p", 0, "agent bind port")
	cmd.Flags().String("endpoint", "", "endpoint URL advertised to the orchestrator")
	cmd.Flags().StringP("capabilities", "c", "", "comma-separated capabilities to advertise")
	return cmd
}
