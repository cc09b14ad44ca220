package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/84hero/safe-indexer/pkg/chain"
)

func newChainsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List the built-in chain presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCHAIN ID\tBLOCK TIME\tREORG SAFE\tBATCH\tMAX REWIND\tTRACES")
			for _, name := range chain.Names() {
				p, _ := chain.Get(name)
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%t\n", name, p.ChainID, p.BlockTime, p.ReorgSafe, p.BatchSize, p.MaxRewindDepth, p.Traces)
			}
			return w.Flush()
		},
	}
}
