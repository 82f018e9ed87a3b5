package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/go-taskhub/internal/server"
	"github.com/spf13/cobra"
)

func serveCmd(configName *string) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configName)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := server.NewApp(ctx, logger, cfg)
			if err != nil {
				return err
			}
			if err := app.Run(); err != nil {
				logger.Error("Application run failed", slog.Any("error", err))
				return err
			}
			logger.Info("Application shut down successfully.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "addr", "a", "", "listen address, overrides server.address")
	return cmd
}
