package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/84hero/safe-indexer/pkg/decoder"
	"github.com/84hero/safe-indexer/pkg/registry"
)

func newDecodeCmd() *cobra.Command {
	var safeOnly bool

	cmd := &cobra.Command{
		Use:   "decode <hex>",
		Short: "Decode call data and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := args[0]
			if !strings.HasPrefix(raw, "0x") {
				raw = "0x" + raw
			}
			data, err := hexutil.Decode(raw)
			if err != nil {
				return fmt.Errorf("invalid hex: %w", err)
			}

			var dec *decoder.Decoder
			if safeOnly {
				reg, err := registry.NewSafe()
				if err != nil {
					return err
				}
				dec = decoder.NewSafeDecoder(reg)
			} else {
				reg, err := registry.NewExtended()
				if err != nil {
					return err
				}
				dec = decoder.NewTxDecoder(reg)
			}

			call, err := dec.Decode(data)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(call)
		},
	}
	cmd.Flags().BoolVar(&safeOnly, "safe", false, "only recognize Safe wallet functions")
	return cmd
}
