package gemledger

import (
	"context"
	"time"
)

// RetryState is the state of a bounded retry loop.
type RetryState int

const (
	RetryIdle RetryState = iota
	RetryAttempting
	RetrySucceeded
	RetryFailed
)

func (s RetryState) String() string {
	switch s {
	case RetryIdle:
		return "idle"
	case RetryAttempting:
		return "attempting"
	case RetrySucceeded:
		return "succeeded"
	case RetryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Backoff is a fixed attempt budget with increasing delay between attempts.
type Backoff struct {
	Attempts   int           `yaml:"attempts"`
	Initial    time.Duration `yaml:"initial"`
	Multiplier float64       `yaml:"multiplier"`
	Max        time.Duration `yaml:"max"`
}

// DefaultBackoff returns 3 attempts starting at 250ms, doubling, capped at 2s.
func DefaultBackoff() Backoff {
	return Backoff{
		Attempts:   3,
		Initial:    250 * time.Millisecond,
		Multiplier: 2,
		Max:        2 * time.Second,
	}
}

// Delay returns the wait before attempt n (1-based). The first attempt never waits.
func (b Backoff) Delay(n int) time.Duration {
	if n <= 1 || b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial)
	for i := 2; i < n; i++ {
		d *= mult
		if b.Max > 0 && time.Duration(d) >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

func (b Backoff) attempts() int {
	if b.Attempts <= 0 {
		return 1
	}
	return b.Attempts
}

// RetryReport is the terminal state of a Retry run.
type RetryReport struct {
	State    RetryState
	Attempts int
	Err      error // last error when State is RetryFailed
}

// Retry runs fn until it succeeds, the attempt budget is spent, or ctx ends.
// Only use it for idempotent reads.
func Retry(ctx context.Context, b Backoff, fn func(ctx context.Context) error) RetryReport {
	report := RetryReport{State: RetryIdle}
	budget := b.attempts()

	for n := 1; n <= budget; n++ {
		if d := b.Delay(n); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				report.State = RetryFailed
				if report.Err == nil {
					report.Err = ctx.Err()
				}
				return report
			case <-t.C:
			}
		}

		report.State = RetryAttempting
		report.Attempts = n

		err := fn(ctx)
		if err == nil {
			report.State = RetrySucceeded
			report.Err = nil
			return report
		}
		report.Err = err

		if ctx.Err() != nil {
			break
		}
	}

	report.State = RetryFailed
	return report
}
