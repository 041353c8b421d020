package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshcoord/internal/domain"
	"meshcoord/internal/infra/redisstore"
	"meshcoord/internal/usecase"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func watchCmd() *cobra.Command {
	var (
		from  string
		block time.Duration
	)

	var command = &cobra.Command{
		Use:   "watch",
		Short: "Follow settled values published to Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := setup()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cli := redisstore.New(cfg.Redis)
			defer cli.Close()
			if err := cli.Connect(ctx); err != nil {
				return err
			}

			consumer := usecase.Consumer{Feed: cli, Block: block, From: from}
			err := consumer.Run(ctx, func(ctx context.Context, s domain.Settled) error {
				log.Ctx(ctx).Info().
					Str("key", s.Key.String()).
					Str("source", string(s.Source)).
					Interface("value", s.Value).
					Time("settled_at", s.SettledAt).
					Msg("settled")
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	command.Flags().StringVar(&from, "from", "$", "Stream ID to start after, 0 replays the whole stream")
	command.Flags().DurationVar(&block, "block", 5*time.Second, "How long each read waits for new values")

	return command
}
