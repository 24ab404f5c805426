package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ineyio/gemledger"
)

func newCostsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Show the effective feature cost table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			b, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			r := gemledger.NewCostResolver(b.store,
				gemledger.WithStaticCosts(a.cfg.StaticCosts()),
				gemledger.WithCostLogger(a.logger),
			)
			source := "remote"
			if err := r.Refresh(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("remote cost table unavailable, showing static costs")
				source = "static"
			}

			table := r.Snapshot()
			keys := make([]string, 0, len(table))
			for k := range table {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "FEATURE\tCOST\t(%s)\n", source)
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%d\t\n", k, table[k])
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <feature> <cost>",
		Short: "Set a feature's cost in the remote table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cost, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid cost %q: %w", args[1], err)
			}

			ctx := context.Background()
			b, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.store.SetFeatureCost(ctx, args[0], cost); err != nil {
				return err
			}
			fmt.Printf("%s costs %d gems\n", args[0], cost)
			return nil
		},
	})
	return cmd
}
