package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "orbit"
	version = "v0.3.0"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Signal and risk-gated execution engine for index scalping",
		Version: version,
		Long: `orbit watches intraday bars, derives session features, runs a playbook
of breakout and reversion setups, and routes approved signals through a
risk gate to a broker. Paper trading by default.`,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/orbit.yaml", "path to config file")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newReplayCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func applyLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
