package gemledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gl "github.com/ineyio/gemledger"
)

var sweepEpoch = time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)

func journalSpend(t *testing.T, store *faultyStore, id string, amount int64, state gl.PendingState, age time.Duration) {
	t.Helper()
	created := sweepEpoch.Add(-age)
	require.NoError(t, store.Begin(context.Background(), gl.PendingSpend{
		ID:        id,
		UserID:    "u1",
		Feature:   gl.FeatureFaceSwap,
		Amount:    amount,
		State:     gl.PendingOpen,
		CreatedAt: created,
		UpdatedAt: created,
	}))
	if state != gl.PendingOpen {
		ok, err := store.Transition(context.Background(), id, gl.PendingOpen, state)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func newTestReconciler(t *testing.T, store *faultyStore, opts ...gl.ReconcilerOption) *gl.Reconciler {
	t.Helper()
	opts = append([]gl.ReconcilerOption{
		gl.WithStaleAfter(10 * time.Minute),
		gl.WithReconcilerClock(func() time.Time { return sweepEpoch }),
	}, opts...)
	r, err := gl.NewReconciler(store, store, opts...)
	require.NoError(t, err)
	return r
}

func TestNewReconciler_RequiresStoreAndJournal(t *testing.T) {
	store := newFaultyStore()

	_, err := gl.NewReconciler(nil, store)
	assert.Error(t, err)
	_, err = gl.NewReconciler(store, nil)
	assert.Error(t, err)
}

func TestSweep_RefundsStaleOpenSpends(t *testing.T) {
	store := newFaultyStore()
	store.Seed("u1", 0)
	journalSpend(t, store, "old", 4, gl.PendingOpen, time.Hour)
	journalSpend(t, store, "fresh", 3, gl.PendingOpen, time.Minute)
	journalSpend(t, store, "done", 5, gl.PendingSettled, time.Hour)

	m := &recordingMeter{}
	r := newTestReconciler(t, store, gl.WithReconcilerMeter(m))

	report, err := r.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, gl.SweepReport{Scanned: 1, Refunded: 1}, report)
	assert.Equal(t, int64(4), store.balance(t, "u1"))
	assert.Equal(t, []gl.ChargeOp{gl.OpRefund}, m.chargeOps())

	sp, ok := store.Pending("old")
	require.True(t, ok)
	assert.Equal(t, gl.PendingRefunded, sp.State)
	sp, _ = store.Pending("fresh")
	assert.Equal(t, gl.PendingOpen, sp.State)

	// A second sweep finds nothing to do.
	report, err = r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gl.SweepReport{}, report)
	assert.Equal(t, int64(4), store.balance(t, "u1"))
}

func TestSweep_FailedCreditIsNotRetried(t *testing.T) {
	store := newFaultyStore()
	store.Seed("u1", 1)
	journalSpend(t, store, "s1", 4, gl.PendingOpen, time.Hour)
	r := newTestReconciler(t, store)

	// The credit is applied but the sweep only sees a timeout.
	store.set(func(s *faultyStore) { s.creditLost = true })
	report, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gl.SweepReport{Scanned: 1, Failed: 1}, report)

	sp, _ := store.Pending("s1")
	assert.Equal(t, gl.PendingRefundFailed, sp.State)
	assert.Equal(t, int64(5), store.balance(t, "u1"))

	store.set(func(s *faultyStore) { s.creditLost = false })
	report, err = r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gl.SweepReport{}, report)

	sp, _ = store.Pending("s1")
	assert.Equal(t, gl.PendingRefundFailed, sp.State)
	assert.Equal(t, int64(5), store.balance(t, "u1"))
	assert.Equal(t, int64(1), store.credits.Load())
}

func TestSweep_LeavesUnsettledRefundsAlone(t *testing.T) {
	store := newFaultyStore()
	store.Seed("u1", 0)
	// A process died between claiming the refund and crediting it.
	journalSpend(t, store, "crashed", 4, gl.PendingRefunding, time.Hour)
	journalSpend(t, store, "failed", 3, gl.PendingRefundFailed, time.Hour)

	report, err := newTestReconciler(t, store).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, gl.SweepReport{}, report)
	assert.Equal(t, int64(0), store.credits.Load())
	assert.Equal(t, int64(0), store.balance(t, "u1"))
	sp, _ := store.Pending("crashed")
	assert.Equal(t, gl.PendingRefunding, sp.State)
	sp, _ = store.Pending("failed")
	assert.Equal(t, gl.PendingRefundFailed, sp.State)
}

func TestSweep_SkipsSpendsClaimedConcurrently(t *testing.T) {
	store := newFaultyStore()
	journalSpend(t, store, "s1", 4, gl.PendingOpen, time.Hour)

	// A guard settles the spend between the listing and the claim.
	racing, err := gl.NewReconciler(store, &settleOnStale{faultyStore: store},
		gl.WithStaleAfter(10*time.Minute),
		gl.WithReconcilerClock(func() time.Time { return sweepEpoch }),
	)
	require.NoError(t, err)

	report, err := racing.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gl.SweepReport{Scanned: 1, Skipped: 1}, report)
	assert.Equal(t, int64(0), store.credits.Load())

	report, err = newTestReconciler(t, store).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gl.SweepReport{}, report)
}

// settleOnStale settles every spend it lists, as a guard finishing
// generation at that moment would.
type settleOnStale struct {
	*faultyStore
}

func (s *settleOnStale) Stale(ctx context.Context, cutoff time.Time) ([]gl.PendingSpend, error) {
	out, err := s.faultyStore.Stale(ctx, cutoff)
	for _, sp := range out {
		_, _ = s.faultyStore.Transition(ctx, sp.ID, sp.State, gl.PendingSettled)
	}
	return out, err
}

func TestReconcilerRun_StopsOnCancel(t *testing.T) {
	store := newFaultyStore()
	r := newTestReconciler(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, time.Millisecond) }()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}

	assert.Error(t, r.Run(context.Background(), 0))
}
