package gemledger

import (
	"context"
	"fmt"
	"time"
)

// DefaultStatusTimeout bounds each status check attempt.
const DefaultStatusTimeout = 5 * time.Second

// StatusReport is the result of one status check.
type StatusReport struct {
	Value bool // the answer used by the caller (the fallback on failure)
	Retry RetryReport
}

// StatusChecker answers account standing questions without ever blocking
// the caller for long: each attempt races a fixed timeout, attempts are
// retried over a bounded backoff, and on failure the answer falls back to
// false (not blocked, not privileged).
type StatusChecker struct {
	store   StatusStore
	timeout time.Duration
	backoff Backoff
}

// StatusOption configures a StatusChecker.
type StatusOption func(*StatusChecker)

// WithStatusTimeout sets the per-attempt timeout.
func WithStatusTimeout(d time.Duration) StatusOption {
	return func(c *StatusChecker) { c.timeout = d }
}

// WithStatusBackoff sets the retry budget.
func WithStatusBackoff(b Backoff) StatusOption {
	return func(c *StatusChecker) { c.backoff = b }
}

// NewStatusChecker creates a StatusChecker over store.
func NewStatusChecker(store StatusStore, opts ...StatusOption) *StatusChecker {
	c := &StatusChecker{
		store:   store,
		timeout: DefaultStatusTimeout,
		backoff: DefaultBackoff(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsBlocked reports whether userID is blocked. Unreachable stores read as
// not blocked.
func (c *StatusChecker) IsBlocked(ctx context.Context, userID string) bool {
	return c.CheckBlocked(ctx, userID).Value
}

// IsAdmin reports whether userID is an administrator. Unreachable stores
// read as not privileged.
func (c *StatusChecker) IsAdmin(ctx context.Context, userID string) bool {
	return c.CheckAdmin(ctx, userID).Value
}

// CheckBlocked is IsBlocked with the retry report attached.
func (c *StatusChecker) CheckBlocked(ctx context.Context, userID string) StatusReport {
	return c.check(ctx, func(ctx context.Context) (bool, error) {
		return c.store.IsBlocked(ctx, userID)
	})
}

// CheckAdmin is IsAdmin with the retry report attached.
func (c *StatusChecker) CheckAdmin(ctx context.Context, userID string) StatusReport {
	return c.check(ctx, func(ctx context.Context) (bool, error) {
		return c.store.IsAdmin(ctx, userID)
	})
}

func (c *StatusChecker) check(ctx context.Context, fn func(context.Context) (bool, error)) StatusReport {
	var value bool
	report := Retry(ctx, c.backoff, func(ctx context.Context) error {
		v, err := raceTimeout(ctx, c.timeout, fn)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if report.State != RetrySucceeded {
		value = false
	}
	return StatusReport{Value: value, Retry: report}
}

// raceTimeout runs fn and gives up after d even if fn ignores its context.
func raceTimeout(ctx context.Context, d time.Duration, fn func(context.Context) (bool, error)) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   bool
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case res := <-ch:
		return res.v, res.err
	case <-ctx.Done():
		return false, fmt.Errorf("gemledger: status check: %w", ctx.Err())
	}
}
