package main

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"

	"github.com/84hero/safe-indexer/pkg/config"
)

func newCursorCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or override stream cursors",
	}
	cmd.AddCommand(newCursorGetCmd(opts), newCursorSetCmd(opts))
	return cmd
}

func newCursorGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <stream>",
		Short: "Print the last processed block of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			st, err := openPersistentStores(cmd, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.cursors.LoadCursor(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func newCursorSetCmd(opts *rootOptions) *cobra.Command {
	var prune bool

	cmd := &cobra.Command{
		Use:   "set <stream> <block>",
		Short: "Overwrite the cursor of a stream, e.g. to restart one halted by a deep reorg",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			block, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid block %q: %w", args[1], err)
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			st, err := openPersistentStores(cmd, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			stream := args[0]
			prev, err := st.cursors.LoadCursor(ctx, stream)
			if err != nil {
				return err
			}
			if err := st.cursors.SaveCursor(ctx, stream, block); err != nil {
				return err
			}
			if prune && block < prev {
				if err := st.records.DeleteAfter(ctx, stream, block); err != nil {
					return fmt.Errorf("cursor moved but pruning failed: %w", err)
				}
			}
			log.Info("Cursor overwritten", "stream", stream, "from", prev, "to", block, "pruned", prune && block < prev)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d -> %d\n", stream, prev, block)
			return nil
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", true, "delete block refs and records above the new cursor when moving back")
	return cmd
}

func openPersistentStores(cmd *cobra.Command, cfg *config.Config) (*stores, error) {
	if cfg.Storage.Driver == config.DriverMemory {
		return nil, fmt.Errorf("storage driver %q keeps no cursors between runs", cfg.Storage.Driver)
	}
	return openStores(cmd.Context(), cfg.Storage)
}
