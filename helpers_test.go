package gemledger_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gl "github.com/ineyio/gemledger"
	"github.com/ineyio/gemledger/store/memory"
)

var errStoreDown = errors.New("connection refused")

// fastBackoff keeps retry tests quick.
var fastBackoff = gl.Backoff{Attempts: 3, Initial: time.Millisecond, Multiplier: 2, Max: 5 * time.Millisecond}

// faultyStore wraps a memory store with injectable failures.
type faultyStore struct {
	*memory.Store

	mu        sync.Mutex
	readFails int // fail this many reads, then succeed
	deductErr error
	creditErr error
	costsErr  error
	readGate  chan struct{} // when set, reads block until closed

	creditLost  bool   // apply credits, then report a timeout
	afterDeduct func() // runs after a deduct is applied
	begun       []string

	reads   atomic.Int64
	credits atomic.Int64
	fetches atomic.Int64
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Store: memory.New()}
}

func (s *faultyStore) ReadBalance(ctx context.Context, userID string) (gl.Account, error) {
	s.reads.Add(1)
	s.mu.Lock()
	gate := s.readGate
	fail := s.readFails > 0
	if fail {
		s.readFails--
	}
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return gl.Account{}, ctx.Err()
		}
	}
	if fail {
		return gl.Account{}, errStoreDown
	}
	return s.Store.ReadBalance(ctx, userID)
}

func (s *faultyStore) Deduct(ctx context.Context, userID string, amount int64) (int64, error) {
	s.mu.Lock()
	err := s.deductErr
	hook := s.afterDeduct
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	bal, err := s.Store.Deduct(ctx, userID, amount)
	if err == nil && hook != nil {
		hook()
	}
	return bal, err
}

func (s *faultyStore) Credit(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	s.credits.Add(1)
	s.mu.Lock()
	err := s.creditErr
	lost := s.creditLost
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	bal, err := s.Store.Credit(ctx, userID, amount, reason)
	if err == nil && lost {
		return 0, context.DeadlineExceeded
	}
	return bal, err
}

func (s *faultyStore) FeatureCosts(ctx context.Context) ([]gl.FeatureCost, error) {
	s.fetches.Add(1)
	s.mu.Lock()
	err := s.costsErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.FeatureCosts(ctx)
}

func (s *faultyStore) Begin(ctx context.Context, spend gl.PendingSpend) error {
	s.mu.Lock()
	s.begun = append(s.begun, spend.ID)
	s.mu.Unlock()
	return s.Store.Begin(ctx, spend)
}

// lastSpend returns the most recently journaled spend.
func (s *faultyStore) lastSpend(t *testing.T) gl.PendingSpend {
	t.Helper()
	s.mu.Lock()
	begun := append([]string(nil), s.begun...)
	s.mu.Unlock()
	require.NotEmpty(t, begun, "no spend journaled")
	sp, ok := s.Pending(begun[len(begun)-1])
	require.True(t, ok)
	return sp
}

func (s *faultyStore) set(fn func(s *faultyStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *faultyStore) balance(t *testing.T, userID string) int64 {
	t.Helper()
	acct, err := s.Store.ReadBalance(context.Background(), userID)
	require.NoError(t, err)
	return acct.Balance
}

// newTestLedger returns a ledger signed in as userID with a loaded balance.
func newTestLedger(t *testing.T, store gl.BalanceStore, userID string, opts ...gl.Option) *gl.Ledger {
	t.Helper()
	opts = append([]gl.Option{gl.WithRefreshBackoff(fastBackoff)}, opts...)
	l, err := gl.NewLedger(store, opts...)
	require.NoError(t, err)
	if userID != "" {
		l.SignIn(userID)
		require.NoError(t, l.Refresh(context.Background()))
	}
	return l
}

// recordingMeter keeps every event.
type recordingMeter struct {
	mu      sync.Mutex
	charges []gl.ChargeEvent
	results []gl.ResultEvent
}

func (m *recordingMeter) OnCharge(e gl.ChargeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges = append(m.charges, e)
}

func (m *recordingMeter) OnResult(e gl.ResultEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, e)
}

func (m *recordingMeter) lastResult() gl.ResultEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.results) == 0 {
		return gl.ResultEvent{}
	}
	return m.results[len(m.results)-1]
}

func (m *recordingMeter) chargeOps() []gl.ChargeOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]gl.ChargeOp, len(m.charges))
	for i, c := range m.charges {
		ops[i] = c.Op
	}
	return ops
}
