// Package memory provides an in-process gem store for tests, the CLI's
// default driver and single-node deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ineyio/gemledger"
)

// Store is an in-memory implementation of every gemledger store interface.
type Store struct {
	mu      sync.RWMutex
	users   map[string]*user
	costs   map[string]int64
	pending map[string]gemledger.PendingSpend
}

type user struct {
	Balance   int64
	Plan      string
	ExpiresAt *time.Time
	Blocked   bool
	Admin     bool
}

var (
	_ gemledger.BalanceStore = (*Store)(nil)
	_ gemledger.CostSource   = (*Store)(nil)
	_ gemledger.StatusStore  = (*Store)(nil)
	_ gemledger.AdminStore   = (*Store)(nil)
	_ gemledger.SpendJournal = (*Store)(nil)
)

// New creates an empty store. Its cost table is empty, so resolvers fall
// back to the compiled-in defaults until SetFeatureCost is called.
func New() *Store {
	return &Store{
		users:   make(map[string]*user),
		costs:   make(map[string]int64),
		pending: make(map[string]gemledger.PendingSpend),
	}
}

// Seed sets the balance of userID, creating the user if needed.
func (s *Store) Seed(userID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(userID).Balance = balance
}

// SetAdmin grants or revokes admin rights.
func (s *Store) SetAdmin(userID string, admin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(userID).Admin = admin
}

// ReadBalance returns the account of userID. Unknown users read as zero.
func (s *Store) ReadBalance(_ context.Context, userID string) (gemledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct := gemledger.Account{UserID: userID}
	if u, ok := s.users[userID]; ok {
		acct.Balance = u.Balance
		acct.SubscriptionType = u.Plan
		acct.SubscriptionExpiresAt = u.ExpiresAt
	}
	return acct, nil
}

// Deduct subtracts amount if the balance covers it.
func (s *Store) Deduct(_ context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, gemledger.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok || u.Balance < amount {
		return 0, gemledger.ErrInsufficientFunds
	}
	u.Balance -= amount
	return u.Balance, nil
}

// Credit adds amount, creating the user if needed.
func (s *Store) Credit(_ context.Context, userID string, amount int64, _ string) (int64, error) {
	if amount <= 0 {
		return 0, gemledger.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.get(userID)
	u.Balance += amount
	return u.Balance, nil
}

// FeatureCosts returns the configured cost table sorted by key.
func (s *Store) FeatureCosts(context.Context) ([]gemledger.FeatureCost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]gemledger.FeatureCost, 0, len(s.costs))
	for k, v := range s.costs {
		out = append(out, gemledger.FeatureCost{FeatureKey: k, Cost: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureKey < out[j].FeatureKey })
	return out, nil
}

// IsBlocked reports the blocked flag. Unknown users are not blocked.
func (s *Store) IsBlocked(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	return ok && u.Blocked, nil
}

// IsAdmin reports the admin flag.
func (s *Store) IsAdmin(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	return ok && u.Admin, nil
}

// SetSubscription replaces the subscription of userID. An empty plan clears it.
func (s *Store) SetSubscription(_ context.Context, userID, plan string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.get(userID)
	u.Plan = plan
	u.ExpiresAt = nil
	if plan != "" && expiresAt != nil {
		t := *expiresAt
		u.ExpiresAt = &t
	}
	return nil
}

// SetBlocked sets the blocked flag.
func (s *Store) SetBlocked(_ context.Context, userID string, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(userID).Blocked = blocked
	return nil
}

// SetFeatureCost upserts a cost table entry.
func (s *Store) SetFeatureCost(_ context.Context, featureKey string, cost int64) error {
	if cost <= 0 {
		return gemledger.ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costs[featureKey] = cost
	return nil
}

// Begin journals an open spend.
func (s *Store) Begin(_ context.Context, spend gemledger.PendingSpend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[spend.ID] = spend
	return nil
}

// Transition moves spend id from one state to another if it is still in from.
func (s *Store) Transition(_ context.Context, id string, from, to gemledger.PendingState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.pending[id]
	if !ok || sp.State != from {
		return false, nil
	}
	sp.State = to
	sp.UpdatedAt = time.Now()
	s.pending[id] = sp
	return true, nil
}

// Stale returns open spends created before cutoff, oldest first.
func (s *Store) Stale(_ context.Context, cutoff time.Time) ([]gemledger.PendingSpend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []gemledger.PendingSpend
	for _, sp := range s.pending {
		if sp.State != gemledger.PendingOpen {
			continue
		}
		if sp.CreatedAt.Before(cutoff) {
			out = append(out, sp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Pending returns the journaled spend with id.
func (s *Store) Pending(id string) (gemledger.PendingSpend, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.pending[id]
	return sp, ok
}

// get must be called with the write lock held.
func (s *Store) get(userID string) *user {
	u, ok := s.users[userID]
	if !ok {
		u = &user{}
		s.users[userID] = u
	}
	return u
}
