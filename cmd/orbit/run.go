package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openrange/orbit/internal/config"
	"github.com/openrange/orbit/internal/model"
)

func newRunCmd() *cobra.Command {
	var barsFromStdin bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the live pipeline",
		Long: `Starts the engine, the reconciliation loop, and the HTTP surface.
With --stdin, bars are read as JSON lines from standard input and fed to
the engine; otherwise an external feed is expected to push bars.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			applyLogLevel(cfg.LogLevel)
			return runPipeline(cfg, barsFromStdin)
		},
	}
	cmd.Flags().BoolVar(&barsFromStdin, "stdin", false, "read JSON-line bars from stdin")
	return cmd
}

func runPipeline(cfg config.App, barsFromStdin bool) error {
	a, err := buildApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.sink.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGHUP reloads the session policy file without a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := a.sessions.Reload(); err != nil {
				log.Error().Err(err).Msg("session reload failed, keeping previous policies")
				continue
			}
			log.Info().Msg("session policies reloaded")
		}
	}()

	go func() {
		if err := a.api.Start(); err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.api.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown failed")
		}
	}()

	if barsFromStdin {
		go feedStdin(ctx, a)
	}

	log.Info().
		Strs("symbols", cfg.Engine.Symbols).
		Str("http", cfg.HTTPAddr).
		Msg("engine starting")
	if err := a.engine.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	log.Info().Msg("engine stopped")
	return nil
}

// feedStdin pushes JSON-line bars into the engine, marking the paper
// broker with each close.
func feedStdin(ctx context.Context, a *app) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var bar model.PriceBar
		if err := json.Unmarshal(line, &bar); err != nil {
			log.Warn().Err(err).Msg("bad bar line, skipping")
			continue
		}
		a.paper.SetPrice(bar.Symbol, bar.Close)
		a.engine.Submit(bar)
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("stdin feed failed")
	}
}
