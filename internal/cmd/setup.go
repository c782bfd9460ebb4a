package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/logger"
)

// loadConfig reads the configuration honoring the --config flag. Uses the
// global viper instance, which the subcommands bind their flags to.
func loadConfig() (*config.Config, error) {
	loader := config.NewConfigLoader(viper.GetViper(), config.WithConfigFile(cfgFile))
	return loader.Load()
}

// setupContext builds the process context: signal-driven cancellation and
// the configured logger, with load warnings reported once.
func setupContext(parent context.Context, cfg *config.Config) (context.Context, context.CancelFunc) {
	opts := []logger.Option{logger.WithFormat(cfg.Log.Format)}
	if cfg.Log.Debug {
		opts = append(opts, logger.WithDebug())
	}
	if cfg.Log.Quiet {
		opts = append(opts, logger.WithQuiet())
	}

	ctx := logger.WithLogger(parent, logger.NewLogger(opts...))
	for _, warning := range cfg.Warnings {
		logger.Warn(ctx, warning)
	}
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}
