package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/a-essam23/go-taskhub/pkg/config"
	"github.com/a-essam23/go-taskhub/pkg/logging"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var configName string

	rootCmd := &cobra.Command{
		Use:   "taskhub",
		Short: "Real-time event hub for the task tracker",
		Long: `taskhub keeps websocket connections for the task tracker and fans
out presence, room membership, task updates, comments and notifications.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configName, "config", "c", "config", "config file name or path")

	rootCmd.AddCommand(
		serveCmd(&configName),
		migrateCmd(&configName),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration with a bootstrap logger, then builds
// the process logger from it and installs it as the default.
func loadConfig(configName string) (*config.Config, *slog.Logger, error) {
	bootstrap := logging.New(logging.LevelInfo)
	cfg, err := config.Load(bootstrap, configName)
	if err != nil {
		return nil, nil, err
	}

	level, ok := logging.ParseLevel(cfg.Log.Level)
	logger := logging.NewWithOptions(os.Stderr, level, cfg.Log.Format)
	if !ok {
		logger.Warn("Unknown log level, using info", slog.String("level", cfg.Log.Level))
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}
