package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newBalanceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user>",
		Short: "Show a user's gem balance and subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			b, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			l, err := a.newLedger(b)
			if err != nil {
				return err
			}
			l.SignIn(args[0])
			if err := l.Refresh(ctx); err != nil {
				return err
			}

			bal, _ := l.Balance()
			sub := l.Subscription()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tGEMS\tPLAN\tEXPIRES\tACTIVE")
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%t\n",
				args[0], bal, orDash(sub.Plan), formatExpiry(sub.ExpiresAt), sub.Active(time.Now()))
			return w.Flush()
		},
	}
}

func newTopupCmd(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "topup <user> <amount>",
		Short: "Credit gems to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}

			ctx := context.Background()
			b, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			bal, err := b.topup(ctx, args[0], amount, reason)
			if err != nil {
				return err
			}
			a.logger.Info().Str("user", args[0]).Int64("amount", amount).Str("reason", reason).Msg("topup")
			fmt.Printf("%s now has %d gems\n", args[0], bal)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "admin_topup", "audit reason")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <user>",
		Short: "Show whether a user is blocked or an administrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			b, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			checker := a.statusChecker(b)
			blocked := checker.CheckBlocked(ctx, args[0])
			admin := checker.CheckAdmin(ctx, args[0])

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHECK\tVALUE\tSTATE\tATTEMPTS")
			fmt.Fprintf(w, "blocked\t%t\t%s\t%d\n", blocked.Value, blocked.Retry.State, blocked.Retry.Attempts)
			fmt.Fprintf(w, "admin\t%t\t%s\t%d\n", admin.Value, admin.Retry.State, admin.Retry.Attempts)
			return w.Flush()
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
