// Package retry provides the explicit backoff policy applied by the
// client and the task manager, independent of any scheduling primitive.
package retry

import (
	"context"
	"time"
)

// Policy describes a bounded retry schedule.
type Policy struct {
	// MaxAttempts is the total number of tries including the first.
	MaxAttempts int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the growth of the schedule.
	MaxDelay time.Duration
	// Multiplier scales the delay between consecutive retries.
	Multiplier float64
}

// DefaultPolicy matches the runtime's reconnect behavior: a handful of
// quick attempts with doubling delays.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
	}
}

// Delay returns how long to wait before the given retry. The first
// retry is attempt 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Sleep waits out the delay for the given retry, returning early with
// the context's error if it is cancelled.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	delay := p.Delay(attempt)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
