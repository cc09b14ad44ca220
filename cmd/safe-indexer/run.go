package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"

	"github.com/84hero/safe-indexer/pkg/config"
	"github.com/84hero/safe-indexer/pkg/indexer"
	"github.com/84hero/safe-indexer/pkg/metrics"
	"github.com/84hero/safe-indexer/pkg/rpc"
	"github.com/84hero/safe-indexer/pkg/sink"
)

// loadConfig reads the config file and installs the logger it describes.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", opts.configFile, err)
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if err := setupLogger(cfg.Log, os.Stderr, true); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Index every configured stream until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return runIndexer(cmd.Context(), cfg)
		},
	}
}

func runIndexer(ctx context.Context, cfg *config.Config) error {
	if len(cfg.Streams) == 0 {
		return errors.New("no streams configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				log.Error("Metrics server failed", "addr", cfg.Metrics.Addr, "err", err)
			}
		}()
	}

	mc, err := rpc.NewClient(ctx, cfg.RPCNodes)
	if err != nil {
		return err
	}
	defer mc.Close()
	client := rpc.NewBatchClient(mc, rpc.BatchOptions{
		BatchSize:    cfg.RPC.BatchSize,
		DisableBatch: cfg.RPC.DisableBatch,
	})

	st, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	outputs, err := buildOutputs(ctx, cfg.Outputs)
	if err != nil {
		return err
	}
	fanout := sink.NewFanout(outputs...)
	defer func() {
		if err := fanout.Close(); err != nil {
			log.Warn("Failed to close outputs", "err", err)
		}
	}()

	indexers, err := buildIndexers(cfg, client, st, fanout)
	if err != nil {
		return err
	}

	log.Info("Starting safe-indexer",
		"project", cfg.Project,
		"chain", cfg.Indexer.Chain,
		"streams", len(indexers),
		"outputs", len(outputs),
		"storage", cfg.Storage.Driver,
		"reorgSafety", cfg.Indexer.ReorgSafetyBlocks)

	svc := indexer.NewService(cfg.Indexer.Interval, indexers...)
	err = svc.Run(ctx)
	for id, herr := range svc.Halted() {
		log.Error("Stream halted, reset its cursor with `safe-indexer cursor set`", "stream", id, "err", herr)
	}
	if errors.Is(err, context.Canceled) {
		log.Info("Shutting down")
		return nil
	}
	return err
}
