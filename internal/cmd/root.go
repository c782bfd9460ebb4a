// Package cmd wires the TaskMesh command line: the orchestrator server, the
// worker agent, schema migrations, and version reporting.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmesh/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   config.AppSlug,
	Short: "Distributed task decomposition and dispatch",
	Long: config.AppName + ` decomposes free-form task descriptions into DAGs of
subtasks and dispatches them to capability-matched workers.`,
	SilenceUsage: true,
}

// Execute runs the root command. Called by main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "",
		"config file (default: ./config.yaml or /etc/"+config.AppSlug+"/config.yaml)",
	)
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}
