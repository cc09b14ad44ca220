package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Crit("Application failed", "err", err)
	}
}

type rootOptions struct {
	configFile string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "safe-indexer",
		Short:         "Index Safe multisig activity from an EVM chain",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfig := os.Getenv("CONFIG_FILE")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfig, "path to the config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level from the config")

	root.AddCommand(
		newRunCmd(opts),
		newDecodeCmd(),
		newCursorCmd(opts),
		newChainsCmd(),
	)
	return root
}
