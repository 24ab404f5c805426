package gemledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	gl "github.com/ineyio/gemledger"
)

func TestBackoff_Delay(t *testing.T) {
	b := gl.DefaultBackoff()

	assert.Equal(t, time.Duration(0), b.Delay(1))
	assert.Equal(t, 250*time.Millisecond, b.Delay(2))
	assert.Equal(t, 500*time.Millisecond, b.Delay(3))
	assert.Equal(t, time.Second, b.Delay(4))
	assert.Equal(t, 2*time.Second, b.Delay(5))
	assert.Equal(t, 2*time.Second, b.Delay(10))
}

func TestRetry_SucceedsOnSecondAttempt(t *testing.T) {
	calls := 0
	report := gl.Retry(context.Background(), fastBackoff, func(context.Context) error {
		calls++
		if calls < 2 {
			return errStoreDown
		}
		return nil
	})

	assert.Equal(t, gl.RetrySucceeded, report.State)
	assert.Equal(t, 2, report.Attempts)
	assert.NoError(t, report.Err)
}

func TestRetry_ExhaustsBudget(t *testing.T) {
	calls := 0
	report := gl.Retry(context.Background(), fastBackoff, func(context.Context) error {
		calls++
		return errStoreDown
	})

	assert.Equal(t, gl.RetryFailed, report.State)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, report.Err, errStoreDown)
	assert.Equal(t, "failed", report.State.String())
}

func TestRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := gl.Backoff{Attempts: 5, Initial: time.Hour}

	calls := 0
	report := gl.Retry(ctx, b, func(context.Context) error {
		calls++
		cancel()
		return errors.New("nope")
	})

	assert.Equal(t, gl.RetryFailed, report.State)
	assert.Equal(t, 1, calls)
}

func TestRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	gl.Retry(context.Background(), gl.Backoff{}, func(context.Context) error {
		calls++
		return errStoreDown
	})
	assert.Equal(t, 1, calls)
}
