package gemledger

import (
	"context"
	"time"
)

// BalanceStore is the system of record for per-user gem balances. All
// invariant enforcement lives behind it: Deduct must be atomic and must
// refuse to drive a balance negative.
type BalanceStore interface {
	// ReadBalance returns the balance and subscription for a user. Users
	// without a record read as a zero balance.
	ReadBalance(ctx context.Context, userID string) (Account, error)

	// Deduct atomically subtracts amount and returns the new balance, or
	// ErrInsufficientFunds leaving the balance unchanged.
	Deduct(ctx context.Context, userID string, amount int64) (int64, error)

	// Credit atomically adds amount and returns the new balance.
	Credit(ctx context.Context, userID string, amount int64, reason string) (int64, error)
}

// CostSource serves the authoritative feature cost table.
type CostSource interface {
	FeatureCosts(ctx context.Context) ([]FeatureCost, error)
}

// StatusStore answers account standing questions.
type StatusStore interface {
	IsBlocked(ctx context.Context, userID string) (bool, error)
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// AdminStore mutates subscriptions, blocking state and the cost table.
type AdminStore interface {
	SetSubscription(ctx context.Context, userID, plan string, expiresAt *time.Time) error
	SetBlocked(ctx context.Context, userID string, blocked bool) error
	SetFeatureCost(ctx context.Context, featureKey string, cost int64) error
}

// SpendJournal durably records deducts whose generation outcome is pending,
// so a sweep can refund spends orphaned by a crash.
type SpendJournal interface {
	// Begin records an open pending spend.
	Begin(ctx context.Context, spend PendingSpend) error

	// Transition moves a spend from one state to another if it is currently
	// in from. It reports whether this call made the move, so a refund is
	// issued by exactly one of the guard and the reconciler.
	Transition(ctx context.Context, id string, from, to PendingState) (bool, error)

	// Stale returns spends still open that were created before cutoff.
	// Spends left refunding or refund_failed are never returned.
	Stale(ctx context.Context, cutoff time.Time) ([]PendingSpend, error)
}

// UsageLogger appends usage entries. Writes are best-effort.
type UsageLogger interface {
	LogUsage(ctx context.Context, entry UsageEntry) error
}

// noopCostSource has no remote table; the static defaults are authoritative.
type noopCostSource struct{}

func (noopCostSource) FeatureCosts(context.Context) ([]FeatureCost, error) { return nil, nil }

// noopUsageLogger drops entries.
type noopUsageLogger struct{}

func (noopUsageLogger) LogUsage(context.Context, UsageEntry) error { return nil }
