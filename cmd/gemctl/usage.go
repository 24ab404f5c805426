package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/gemledger"
	"github.com/ineyio/gemledger/usagelog"
)

func newUsageCmd(a *app) *cobra.Command {
	var (
		since   string
		summary bool
	)

	cmd := &cobra.Command{
		Use:   "usage <user>",
		Short: "Show a user's generation history from the usage log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.UsageLog.Driver != gemledger.UsageLogSQLite {
				return fmt.Errorf("usage history needs usage_log.driver %q", gemledger.UsageLogSQLite)
			}

			l, err := usagelog.NewSQLite(a.cfg.UsageLog.Path)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			ctx := context.Background()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

			if summary {
				counts, err := l.Summary(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "FEATURE\tRUNS")
				for _, c := range counts {
					fmt.Fprintf(w, "%s\t%d\n", c.FeatureKey, c.Count)
				}
				return w.Flush()
			}

			var sinceTime time.Time
			if since != "" {
				sinceTime, err = time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
			}

			entries, err := l.Query(ctx, args[0], sinceTime)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "TIME\tFEATURE\tOUTPUTS")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.FeatureKey, strings.Join(e.OutputRefs, ","))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only entries on or after this date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&summary, "summary", false, "count runs per feature instead of listing them")
	return cmd
}
