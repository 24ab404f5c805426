package gemledger

import "time"

// InsufficientSentinel is the value an atomic deduct returns on the wire when
// the decrement would drive the balance negative. Store adapters translate it
// into ErrInsufficientFunds.
const InsufficientSentinel int64 = -1

// DefaultFeatureCost is the cost reported for feature keys missing from every
// cost table.
const DefaultFeatureCost int64 = 1

// Account is the balance snapshot returned by a store read.
type Account struct {
	UserID                string     `json:"user_id"`
	Balance               int64      `json:"gems"`
	SubscriptionType      string     `json:"subscription_type,omitempty"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
}

// Subscription returns the subscription attached to the account.
func (a Account) Subscription() Subscription {
	return Subscription{Plan: a.SubscriptionType, ExpiresAt: a.SubscriptionExpiresAt}
}

// Subscription describes an optional plan attached to a user.
type Subscription struct {
	Plan      string
	ExpiresAt *time.Time
}

// Active reports whether the subscription has a plan and has not expired at now.
// A plan without an expiry never expires.
func (s Subscription) Active(now time.Time) bool {
	if s.Plan == "" {
		return false
	}
	if s.ExpiresAt == nil {
		return true
	}
	return now.Before(*s.ExpiresAt)
}

// FeatureCost maps a feature key to its gem cost.
type FeatureCost struct {
	FeatureKey string `json:"feature_key" yaml:"key"`
	Cost       int64  `json:"cost" yaml:"cost"`
}

// Charge records a successful deduct. Refunds credit exactly Amount back to UserID.
type Charge struct {
	ID      string
	UserID  string
	Feature string
	Amount  int64
	Balance int64 // authoritative balance returned by the store
	At      time.Time
}

// UsageEntry is a best-effort record of a completed paid operation.
type UsageEntry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	FeatureKey string    `json:"feature_key"`
	InputRefs  []string  `json:"input_refs"`
	OutputRefs []string  `json:"output_refs"`
	Timestamp  time.Time `json:"timestamp"`
}

// PendingState is the lifecycle state of a journaled spend.
type PendingState string

const (
	PendingOpen      PendingState = "pending"
	PendingSettled   PendingState = "settled"
	PendingRefunding PendingState = "refunding"
	PendingRefunded  PendingState = "refunded"

	// PendingRefundFailed marks a credit that may or may not have landed.
	// Neither the guard nor the reconciler retries it; an operator settles it.
	PendingRefundFailed PendingState = "refund_failed"
)

// PendingSpend is a journaled deduct whose generation outcome is not yet known.
type PendingSpend struct {
	ID        string
	UserID    string
	Feature   string
	Amount    int64
	State     PendingState
	CreatedAt time.Time
	UpdatedAt time.Time
}
