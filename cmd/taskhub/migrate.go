package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/a-essam23/go-taskhub/pkg/gateway/postgres"
	"github.com/spf13/cobra"
)

func migrateCmd(configName *string) *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:       "migrate [up|down|status|version]",
		Short:     "Apply the Postgres gateway schema",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configName)
			if err != nil {
				return err
			}
			url := databaseURL
			if url == "" {
				url = cfg.Gateway.Postgres.URL
			}
			if url == "" {
				return errors.New("no database url: set gateway.postgres.url or pass --database-url")
			}
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			pool, err := postgres.Connect(ctx, url, cfg.Gateway.Postgres.MaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			return postgres.Migrate(ctx, logger, pool, command)
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres url, overrides gateway.postgres.url")
	return cmd
}
