package memory_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/gemledger"
	"github.com/ineyio/gemledger/store/memory"
)

func TestDeductAndCredit(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	s.Seed("u1", 10)

	bal, err := s.Deduct(ctx, "u1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), bal)

	bal, err = s.Credit(ctx, "u1", 3, "refund:face-swap")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal)
}

func TestDeductInsufficientLeavesBalance(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	s.Seed("u1", 2)

	_, err := s.Deduct(ctx, "u1", 3)
	assert.ErrorIs(t, err, gemledger.ErrInsufficientFunds)

	acct, err := s.ReadBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), acct.Balance)

	_, err = s.Deduct(ctx, "nobody", 1)
	assert.ErrorIs(t, err, gemledger.ErrInsufficientFunds)
}

func TestNonPositiveAmountsRejected(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	_, err := s.Deduct(ctx, "u1", 0)
	assert.ErrorIs(t, err, gemledger.ErrInvalidAmount)
	_, err = s.Credit(ctx, "u1", -1, "")
	assert.ErrorIs(t, err, gemledger.ErrInvalidAmount)
	assert.ErrorIs(t, s.SetFeatureCost(ctx, "x", 0), gemledger.ErrInvalidAmount)
}

func TestConcurrentDeductsNoOverspend(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	s.Seed("u1", 10)

	var wg sync.WaitGroup
	var ok atomic.Int64
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Deduct(ctx, "u1", 1); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), ok.Load())
	acct, _ := s.ReadBalance(ctx, "u1")
	assert.Equal(t, int64(0), acct.Balance)
}

func TestSubscriptionAndFlags(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SetSubscription(ctx, "u1", "pro", &exp))
	acct, _ := s.ReadBalance(ctx, "u1")
	assert.Equal(t, "pro", acct.SubscriptionType)
	require.NotNil(t, acct.SubscriptionExpiresAt)
	assert.True(t, acct.SubscriptionExpiresAt.Equal(exp))

	require.NoError(t, s.SetSubscription(ctx, "u1", "", &exp))
	acct, _ = s.ReadBalance(ctx, "u1")
	assert.Empty(t, acct.SubscriptionType)
	assert.Nil(t, acct.SubscriptionExpiresAt)

	require.NoError(t, s.SetBlocked(ctx, "u1", true))
	s.SetAdmin("u2", true)

	blocked, _ := s.IsBlocked(ctx, "u1")
	assert.True(t, blocked)
	admin, _ := s.IsAdmin(ctx, "u2")
	assert.True(t, admin)
	admin, _ = s.IsAdmin(ctx, "unknown")
	assert.False(t, admin)
}

func TestFeatureCostsSorted(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.SetFeatureCost(ctx, "upscale-image", 2))
	require.NoError(t, s.SetFeatureCost(ctx, "face-swap", 5))

	costs, err := s.FeatureCosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []gemledger.FeatureCost{
		{FeatureKey: "face-swap", Cost: 5},
		{FeatureKey: "upscale-image", Cost: 2},
	}, costs)
}

func TestJournal(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	require.NoError(t, s.Begin(ctx, gemledger.PendingSpend{ID: "a", State: gemledger.PendingOpen, CreatedAt: old}))
	require.NoError(t, s.Begin(ctx, gemledger.PendingSpend{ID: "b", State: gemledger.PendingOpen, CreatedAt: time.Now()}))
	require.NoError(t, s.Begin(ctx, gemledger.PendingSpend{ID: "c", State: gemledger.PendingOpen, CreatedAt: old.Add(time.Minute)}))
	require.NoError(t, s.Begin(ctx, gemledger.PendingSpend{ID: "d", State: gemledger.PendingOpen, CreatedAt: old}))
	require.NoError(t, s.Begin(ctx, gemledger.PendingSpend{ID: "e", State: gemledger.PendingOpen, CreatedAt: old}))

	// Refunds in flight or in doubt are never listed again.
	won, err := s.Transition(ctx, "d", gemledger.PendingOpen, gemledger.PendingRefunding)
	require.NoError(t, err)
	require.True(t, won)
	won, err = s.Transition(ctx, "e", gemledger.PendingOpen, gemledger.PendingRefunding)
	require.NoError(t, err)
	require.True(t, won)
	won, err = s.Transition(ctx, "e", gemledger.PendingRefunding, gemledger.PendingRefundFailed)
	require.NoError(t, err)
	require.True(t, won)

	won, err = s.Transition(ctx, "c", gemledger.PendingOpen, gemledger.PendingSettled)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.Transition(ctx, "c", gemledger.PendingOpen, gemledger.PendingRefunded)
	require.NoError(t, err)
	assert.False(t, won)

	won, err = s.Transition(ctx, "missing", gemledger.PendingOpen, gemledger.PendingRefunded)
	require.NoError(t, err)
	assert.False(t, won)

	stale, err := s.Stale(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "a", stale[0].ID)

	sp, ok := s.Pending("c")
	require.True(t, ok)
	assert.Equal(t, gemledger.PendingSettled, sp.State)
}
