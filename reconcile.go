package gemledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultStaleAfter is how old an open pending spend must be before the
// reconciler refunds it. It must exceed the longest generation call.
const DefaultStaleAfter = 15 * time.Minute

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	Scanned  int
	Refunded int
	Failed   int
	Skipped  int // claimed by a concurrent guard or sweep
}

// Reconciler refunds journaled deduct-first spends that never reached a
// terminal state, e.g. because the process died mid-generation.
type Reconciler struct {
	store      BalanceStore
	journal    SpendJournal
	staleAfter time.Duration
	logger     zerolog.Logger
	meter      Meter
	now        func() time.Time
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithStaleAfter sets the minimum age of a spend before it is refunded.
func WithStaleAfter(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.staleAfter = d }
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(l zerolog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l }
}

// WithReconcilerMeter sets the meter that observes refund credits.
func WithReconcilerMeter(m Meter) ReconcilerOption {
	return func(r *Reconciler) { r.meter = m }
}

// WithReconcilerClock sets the time source.
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a Reconciler over store and journal.
func NewReconciler(store BalanceStore, journal SpendJournal, opts ...ReconcilerOption) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("gemledger: balance store is required")
	}
	if journal == nil {
		return nil, fmt.Errorf("gemledger: spend journal is required")
	}

	r := &Reconciler{
		store:      store,
		journal:    journal,
		staleAfter: DefaultStaleAfter,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.meter == nil {
		r.meter = &noopMeter{}
	}
	return r, nil
}

// Sweep refunds every stale open spend once. A spend is only credited after
// this sweep won the transition to refunding, so a spend that a guard is
// settling concurrently is skipped. Spends that end refunding or
// refund_failed are left for an operator: the credit may already have been
// applied, and crediting again would mint gems.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	stale, err := r.journal.Stale(ctx, r.now().Add(-r.staleAfter))
	if err != nil {
		return report, storeErr("list stale spends", err)
	}
	report.Scanned = len(stale)

	for _, sp := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		won, err := r.journal.Transition(ctx, sp.ID, PendingOpen, PendingRefunding)
		if err != nil {
			r.logger.Warn().Err(err).Str("charge_id", sp.ID).Msg("claim stale spend failed")
			report.Failed++
			continue
		}
		if !won {
			report.Skipped++
			continue
		}

		final := PendingRefunded
		refundErr := r.refund(ctx, sp)
		if refundErr != nil {
			final = PendingRefundFailed
		}
		if _, err := r.journal.Transition(context.WithoutCancel(ctx), sp.ID, PendingRefunding, final); err != nil {
			r.logger.Error().Err(err).Str("charge_id", sp.ID).Str("state", string(final)).Msg("could not record refund outcome")
		}

		if refundErr != nil {
			r.logger.Error().Err(refundErr).
				Str("user", sp.UserID).
				Str("feature", sp.Feature).
				Int64("amount", sp.Amount).
				Str("charge_id", sp.ID).
				Msg("reconcile refund failed")
			report.Failed++
			continue
		}
		report.Refunded++
	}

	r.logger.Info().
		Int("scanned", report.Scanned).
		Int("refunded", report.Refunded).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Msg("reconcile sweep finished")
	return report, nil
}

func (r *Reconciler) refund(ctx context.Context, sp PendingSpend) error {
	reason := ReasonReconcile + sp.Feature
	start := r.now()
	balance, err := r.store.Credit(ctx, sp.UserID, sp.Amount, reason)

	ev := ChargeEvent{
		Op:       OpRefund,
		UserID:   sp.UserID,
		Feature:  sp.Feature,
		Amount:   sp.Amount,
		Balance:  balance,
		Reason:   reason,
		Duration: r.now().Sub(start),
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRefundFailed, storeErr("refund", err))
		ev.Balance = 0
		ev.Error = err
	}
	r.meter.OnCharge(ev)
	return err
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("gemledger: reconcile interval must be positive")
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("reconcile sweep failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
