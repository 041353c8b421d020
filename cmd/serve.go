package cmd

import (
	"context"

	"meshcoord/internal/api"
	"meshcoord/internal/app"

	"github.com/raulk/clock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the coordinator HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := setup()
			if !cmd.Flags().Changed("port") {
				port = cfg.HTTP.Port
			}

			a, err := app.New(context.Background(), cfg, clock.New())
			if err != nil {
				return err
			}
			log.Info().
				Int("workers", cfg.Coordinator.MaxWorkers).
				Bool("redis", cfg.Redis.Enabled).
				Msg("coordinator ready")

			api.NewServer(a).Run(port)
			return nil
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	return command
}
