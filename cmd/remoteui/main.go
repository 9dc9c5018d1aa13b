package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/vango-dev/remote/internal/config"
	"github.com/vango-dev/remote/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		errors.DisableColors()
	}
	if err := rootCmd().Execute(); err != nil {
		errors.Print(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remoteui",
		Short: "Mirror UI trees across processes",
		Long: `remoteui runs the two sides of a remote UI session.

A worker owns a component tree and sends its mutations as batches; a
host mirrors the tree and calls back into the worker through function
props such as button handlers. Function handles are reference counted
across the connection and released when either side drops them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "config file (YAML)")
	cmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")

	cmd.AddCommand(
		hostCmd(),
		workerCmd(),
		versionCmd(),
	)
	return cmd
}

// setup loads the configuration named by --config and builds the logger.
// Logs go to stderr so a --stdio worker keeps stdout for messages.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	logger := cfg.Log.Logger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
