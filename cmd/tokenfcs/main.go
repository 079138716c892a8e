// Package main provides the tokenfcs entry point: the HTTP service and
// one-shot query commands over the wallet/identity graph.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nexus-trading/tokenfcs/internal/config"
)

var version = "dev"

// globalOpts are the persistent flags shared by every command.
type globalOpts struct {
	configPath string
	graphFile  string
	logLevel   string
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}

	rootCmd := &cobra.Command{
		Use:   "tokenfcs",
		Short: "Identity-weighted token holder statistics",
		Long: `tokenfcs groups a token's holder wallets into the social identities that
control them and reports reputation-weighted holder counts, score
distributions and identity leaderboards.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.graphFile, "graph", "", "Serve the graph from a YAML fixture or .gob snapshot instead of the configured source")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newStatsCmd(opts),
		newDistributionCmd(opts),
		newLeaderboardCmd(opts),
		newCompareCmd(opts),
		newSnapshotCmd(),
		newNotifyCmd(opts),
	)
	return rootCmd
}

// loadConfig reads the config file, applies flag overrides and sets up
// logging.
func loadConfig(opts *globalOpts) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.graphFile != "" {
		applyGraphFile(cfg, opts.graphFile)
	}
	if opts.logLevel != "" {
		cfg.General.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setupLogging(cfg.General)
	return cfg, nil
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Str("service", "tokenfcs").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).
			With().Timestamp().Str("service", "tokenfcs").
			Str("instance", general.InstanceID).Logger()
	}
}
