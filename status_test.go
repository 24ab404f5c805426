package gemledger_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gl "github.com/ineyio/gemledger"
	"github.com/ineyio/gemledger/store/memory"
)

// flakyStatus fails the first n calls and can hang forever.
type flakyStatus struct {
	fails atomic.Int64
	calls atomic.Int64
	hang  bool
	value bool
}

func (s *flakyStatus) answer() (bool, error) {
	s.calls.Add(1)
	if s.hang {
		select {}
	}
	if s.fails.Add(-1) >= 0 {
		return false, errStoreDown
	}
	return s.value, nil
}

func (s *flakyStatus) IsBlocked(context.Context, string) (bool, error) { return s.answer() }
func (s *flakyStatus) IsAdmin(context.Context, string) (bool, error)   { return s.answer() }

func TestStatusChecker_ReadsStore(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.SetBlocked(context.Background(), "bad", true))
	store.SetAdmin("root", true)

	c := gl.NewStatusChecker(store, gl.WithStatusBackoff(fastBackoff))

	assert.True(t, c.IsBlocked(context.Background(), "bad"))
	assert.False(t, c.IsBlocked(context.Background(), "good"))
	assert.True(t, c.IsAdmin(context.Background(), "root"))
	assert.False(t, c.IsAdmin(context.Background(), "bad"))
}

func TestStatusChecker_RetriesTransientErrors(t *testing.T) {
	s := &flakyStatus{value: true}
	s.fails.Store(2)
	c := gl.NewStatusChecker(s, gl.WithStatusBackoff(fastBackoff))

	report := c.CheckBlocked(context.Background(), "u1")

	assert.True(t, report.Value)
	assert.Equal(t, gl.RetrySucceeded, report.Retry.State)
	assert.Equal(t, 3, report.Retry.Attempts)
}

func TestStatusChecker_FallsBackToFalse(t *testing.T) {
	s := &flakyStatus{value: true}
	s.fails.Store(100)
	c := gl.NewStatusChecker(s, gl.WithStatusBackoff(fastBackoff))

	report := c.CheckAdmin(context.Background(), "u1")

	assert.False(t, report.Value)
	assert.Equal(t, gl.RetryFailed, report.Retry.State)
	assert.Equal(t, 3, report.Retry.Attempts)
	assert.ErrorIs(t, report.Retry.Err, errStoreDown)
	assert.Equal(t, int64(3), s.calls.Load())
}

func TestStatusChecker_HangingStoreTimesOut(t *testing.T) {
	s := &flakyStatus{hang: true, value: true}
	c := gl.NewStatusChecker(s,
		gl.WithStatusTimeout(10*time.Millisecond),
		gl.WithStatusBackoff(gl.Backoff{Attempts: 2, Initial: time.Millisecond}),
	)

	start := time.Now()
	blocked := c.IsBlocked(context.Background(), "u1")

	assert.False(t, blocked)
	assert.Less(t, time.Since(start), time.Second)
}
