package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/spf13/cobra"

	"github.com/ineyio/gemledger"
	"github.com/ineyio/gemledger/rpc"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured store over the gem RPC protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Store.Driver == gemledger.DriverRPC {
				return errors.New("serve needs a local store driver, not rpc")
			}
			addr := a.cfg.Server.Listen
			if listen != "" {
				addr = listen
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			opts := []rpc.ServerOption{rpc.WithLogger(a.logger)}
			if a.cfg.Server.AdminPubKey != "" {
				var key *secp256k1.PublicKey
				key, err = rpc.ParsePublicKey(a.cfg.Server.AdminPubKey)
				if err != nil {
					return err
				}
				opts = append(opts, rpc.WithAdminKey(key))
			} else {
				a.logger.Warn().Msg("server.admin_pubkey not set, admin functions are disabled")
			}

			srv, err := rpc.NewServer(b.store, a.cfg.Server.JWTSecret, opts...)
			if err != nil {
				return err
			}

			if b.journal != nil && a.cfg.Reconcile.Interval > 0 {
				rec, err := gemledger.NewReconciler(b.store, b.journal,
					gemledger.WithStaleAfter(a.cfg.Reconcile.StaleAfter),
					gemledger.WithReconcilerLogger(a.logger),
					gemledger.WithReconcilerMeter(a.meter()),
				)
				if err != nil {
					return err
				}
				go func() {
					if err := rec.Run(ctx, a.cfg.Reconcile.Interval); err != nil && !errors.Is(err, context.Canceled) {
						a.logger.Error().Err(err).Msg("reconciler stopped")
					}
				}()
			}

			err = srv.ListenAndServe(ctx, addr)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen)")
	return cmd
}
