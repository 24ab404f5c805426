package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ineyio/gemledger"
)

func newReconcileCmd(a *app) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Refund deduct-first spends that never settled",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			if b.journal == nil {
				return fmt.Errorf("store driver %q keeps no spend journal", a.cfg.Store.Driver)
			}

			rec, err := gemledger.NewReconciler(b.store, b.journal,
				gemledger.WithStaleAfter(a.cfg.Reconcile.StaleAfter),
				gemledger.WithReconcilerLogger(a.logger),
				gemledger.WithReconcilerMeter(a.meter()),
			)
			if err != nil {
				return err
			}

			if watch {
				err := rec.Run(ctx, a.cfg.Reconcile.Interval)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}

			report, err := rec.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("scanned=%d refunded=%d failed=%d skipped=%d\n",
				report.Scanned, report.Refunded, report.Failed, report.Skipped)
			if report.Failed > 0 {
				return fmt.Errorf("%d refunds failed", report.Failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep sweeping every reconcile.interval")
	return cmd
}
