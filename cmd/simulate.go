package cmd

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"meshcoord/internal/app"
	"meshcoord/internal/sim"

	"github.com/raulk/clock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func simulateCmd() *cobra.Command {
	var cfg sim.Config

	var command = &cobra.Command{
		Use:   "simulate",
		Short: "Replay a burst of slider moves and refreshes on the simulated mesh",
		RunE: func(cmd *cobra.Command, args []string) error {
			appCfg := setup()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rec := &sim.Recorder{}
			a, err := app.New(ctx, appCfg, clock.New(), rec)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			report, err := sim.Run(ctx, a, rec, cfg)
			if err != nil {
				return err
			}

			keys := make([]string, 0, len(report.Values))
			for k := range report.Values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				log.Info().Str("key", k).Interface("value", report.Values[k]).Msg("final value")
			}
			return nil
		},
	}

	command.Flags().IntVar(&cfg.Steps, "steps", 10, "Slider positions sent to each dimmer")
	command.Flags().IntVar(&cfg.Refreshes, "refreshes", 5, "Reads requested per capability")
	command.Flags().DurationVar(&cfg.Gap, "gap", 20*time.Millisecond, "Pause between slider moves")

	return command
}
