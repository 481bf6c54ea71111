package main

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openrange/orbit/internal/config"
	"github.com/openrange/orbit/internal/replay"
)

func newReplayCmd() *cobra.Command {
	var barsPath string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay recorded bars against the paper broker",
		Long: `Feeds a CSV bar file through the full pipeline in order, with the
paper broker filling against the tape, then prints the resulting account
state. Useful for validating playbook and risk settings on recorded days.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if barsPath == "" {
				return errors.New("--bars is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			applyLogLevel(cfg.LogLevel)
			return runReplay(cfg, barsPath)
		},
	}
	cmd.Flags().StringVar(&barsPath, "bars", "", "CSV bar file to replay")
	return cmd
}

func runReplay(cfg config.App, barsPath string) error {
	a, err := buildApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.sink.Close()

	bars, err := replay.Load(barsPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	runner := &replay.Runner{Processor: a.engine, Paper: a.paper, Log: log.Logger}
	n := runner.Run(ctx, bars)

	if err := a.manager.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Msg("final reconcile failed")
	}
	positions := a.manager.Positions()
	log.Info().
		Int("bars", n).
		Int("open_positions", len(positions)).
		Float64("cash", a.manager.Cash()).
		Msg("replay finished")
	for _, pos := range positions {
		log.Info().
			Str("symbol", pos.Symbol).
			Str("setup", pos.Setup).
			Int("open_qty", pos.OpenQuantity).
			Float64("entry", pos.AvgEntryPrice).
			Str("status", string(pos.Status)).
			Msg("open position")
	}
	return nil
}
