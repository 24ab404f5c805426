package gemledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const refundTimeout = 30 * time.Second

// Ledger is the session-scoped client of a BalanceStore. It caches the
// signed-in user's balance for fast affordability checks, but every spend is
// decided by the store: the cache only ever adopts balances the store
// returned and is never decremented locally.
//
// Concurrent Deduct/Credit calls are not serialized; double-spend protection
// is the store's atomic decrement.
type Ledger struct {
	store   BalanceStore
	costs   *CostResolver
	meter   Meter
	refresh Backoff
	now     func() time.Time

	mu      sync.RWMutex
	userID  string
	epoch   uint64
	loaded  bool
	balance int64
	sub     Subscription
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithCostResolver sets the feature cost resolver.
func WithCostResolver(r *CostResolver) Option {
	return func(l *Ledger) { l.costs = r }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(l *Ledger) { l.meter = m }
}

// WithRefreshBackoff sets the retry budget for balance refreshes.
func WithRefreshBackoff(b Backoff) Option {
	return func(l *Ledger) { l.refresh = b }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger over store. If no cost resolver is given and the
// store also serves a cost table, the resolver reads from the store.
func NewLedger(store BalanceStore, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("gemledger: balance store is required")
	}

	l := &Ledger{
		store:   store,
		refresh: DefaultBackoff(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	// Apply defaults after options.
	if l.costs == nil {
		var source CostSource
		if cs, ok := store.(CostSource); ok {
			source = cs
		}
		l.costs = NewCostResolver(source)
	}
	if l.meter == nil {
		l.meter = &noopMeter{}
	}

	return l, nil
}

// SignIn binds the ledger to userID and discards any cached state.
func (l *Ledger) SignIn(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bind(userID)
}

// Reset discards the session. Call it on sign-out.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bind("")
}

// bind must be called with the lock held.
func (l *Ledger) bind(userID string) {
	l.userID = userID
	l.epoch++
	l.loaded = false
	l.balance = 0
	l.sub = Subscription{}
}

// UserID returns the signed-in user, or "".
func (l *Ledger) UserID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.userID
}

// Balance returns the cached balance. ok is false before the first refresh
// or when nobody is signed in.
func (l *Ledger) Balance() (balance int64, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.userID == "" || !l.loaded {
		return 0, false
	}
	return l.balance, true
}

// Subscription returns the cached subscription snapshot.
func (l *Ledger) Subscription() Subscription {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sub
}

// Costs returns the ledger's cost resolver.
func (l *Ledger) Costs() *CostResolver {
	return l.costs
}

// Refresh re-reads balance and subscription, retrying the read over the
// refresh backoff. If every attempt fails the cached balance becomes 0.
func (l *Ledger) Refresh(ctx context.Context) error {
	userID, epoch := l.session()
	if userID == "" {
		return ErrNoSession
	}

	l.costs.Preload()

	var acct Account
	report := Retry(ctx, l.refresh, func(ctx context.Context) error {
		a, err := l.store.ReadBalance(ctx, userID)
		if err != nil {
			return err
		}
		acct = a
		return nil
	})

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.epoch != epoch {
		// Session changed while the read was in flight.
		return nil
	}

	l.loaded = true
	if report.State != RetrySucceeded {
		l.balance = 0
		l.sub = Subscription{}
		return storeErr("refresh balance", report.Err)
	}

	l.balance = acct.Balance
	l.sub = acct.Subscription()
	return nil
}

// CanAfford compares the cached balance with the static cost of featureKey.
// It is a pre-check only; the store decides at deduct time.
func (l *Ledger) CanAfford(featureKey string) bool {
	bal, ok := l.Balance()
	if !ok {
		return false
	}
	return bal >= l.costs.CostSync(featureKey)
}

// Deduct charges the authoritative cost of featureKey to the signed-in user.
// On ErrInsufficientFunds or a store error the cache is left unchanged.
func (l *Ledger) Deduct(ctx context.Context, featureKey string) (Charge, error) {
	userID, epoch := l.session()
	if userID == "" {
		return Charge{}, ErrNoSession
	}
	return l.deductFor(ctx, userID, epoch, featureKey)
}

// deductFor charges userID as long as the session captured at epoch is still
// bound. A spend started before a sign-out or user switch fails with
// ErrNoSession rather than charging whoever is signed in now.
func (l *Ledger) deductFor(ctx context.Context, userID string, epoch uint64, featureKey string) (Charge, error) {
	amount := l.costs.Cost(ctx, featureKey)
	if !l.bound(userID, epoch) {
		return Charge{}, ErrNoSession
	}

	start := l.now()
	balance, err := l.store.Deduct(ctx, userID, amount)
	if err == nil && balance < 0 {
		err = ErrInsufficientFunds
	}

	ev := ChargeEvent{
		Op:       OpDeduct,
		UserID:   userID,
		Feature:  featureKey,
		Amount:   amount,
		Balance:  balance,
		Duration: l.now().Sub(start),
	}

	if err != nil {
		err = storeErr("deduct", err)
		ev.Balance = 0
		ev.Error = err
		l.meter.OnCharge(ev)
		return Charge{}, err
	}

	l.meter.OnCharge(ev)
	l.adopt(epoch, balance)

	return Charge{
		ID:      uuid.New().String(),
		UserID:  userID,
		Feature: featureKey,
		Amount:  amount,
		Balance: balance,
		At:      l.now(),
	}, nil
}

// Credit adds the authoritative cost of featureKey to the signed-in user.
func (l *Ledger) Credit(ctx context.Context, featureKey, reason string) (Charge, error) {
	userID, epoch := l.session()
	if userID == "" {
		return Charge{}, ErrNoSession
	}
	amount := l.costs.Cost(ctx, featureKey)
	return l.credit(ctx, OpCredit, userID, epoch, featureKey, amount, reason)
}

// CreditAmount adds an explicit amount to the signed-in user (top-ups).
func (l *Ledger) CreditAmount(ctx context.Context, amount int64, reason string) (Charge, error) {
	if amount <= 0 {
		return Charge{}, ErrInvalidAmount
	}
	userID, epoch := l.session()
	if userID == "" {
		return Charge{}, ErrNoSession
	}
	return l.credit(ctx, OpCredit, userID, epoch, "", amount, reason)
}

// Refund credits exactly charge.Amount back to charge.UserID. The refund is
// not cancelled with ctx, and it lands even if the session changed since the
// deduct; only the cache update is skipped then.
func (l *Ledger) Refund(ctx context.Context, charge Charge) (int64, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()

	l.mu.RLock()
	epoch := l.epoch
	if l.userID != charge.UserID {
		epoch = 0
	}
	l.mu.RUnlock()

	c, err := l.credit(ctx, OpRefund, charge.UserID, epoch, charge.Feature, charge.Amount, ReasonRefund+charge.Feature)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRefundFailed, err)
	}
	return c.Balance, nil
}

func (l *Ledger) credit(ctx context.Context, op ChargeOp, userID string, epoch uint64, featureKey string, amount int64, reason string) (Charge, error) {
	start := l.now()
	balance, err := l.store.Credit(ctx, userID, amount, reason)

	ev := ChargeEvent{
		Op:       op,
		UserID:   userID,
		Feature:  featureKey,
		Amount:   amount,
		Balance:  balance,
		Reason:   reason,
		Duration: l.now().Sub(start),
	}

	if err != nil {
		err = storeErr(string(op), err)
		ev.Balance = 0
		ev.Error = err
		l.meter.OnCharge(ev)
		return Charge{}, err
	}

	l.meter.OnCharge(ev)
	l.adopt(epoch, balance)

	return Charge{
		ID:      uuid.New().String(),
		UserID:  userID,
		Feature: featureKey,
		Amount:  amount,
		Balance: balance,
		At:      l.now(),
	}, nil
}

func (l *Ledger) session() (string, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.userID, l.epoch
}

// bound reports whether userID is still signed in under epoch.
func (l *Ledger) bound(userID string, epoch uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return userID != "" && l.userID == userID && l.epoch == epoch
}

// adopt stores a balance returned by the store if the session is unchanged.
func (l *Ledger) adopt(epoch uint64, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if epoch == 0 || l.epoch != epoch {
		return
	}
	l.balance = balance
	l.loaded = true
}
