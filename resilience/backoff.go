package resilience

import (
	"context"
	"time"
)

// BackoffPolicy computes exponential retry delays: base * 2^attempt,
// capped at Max. Attempt numbering starts at zero.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoffPolicy returns the documented retry envelope.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Max: 60 * time.Second}
}

// Delay returns the backoff delay for the given attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Cap the shift to keep the multiplication in range.
	if attempt > 30 {
		attempt = 30
	}
	d := p.Base * time.Duration(1<<uint(attempt))
	if d > p.Max || d <= 0 {
		d = p.Max
	}
	return d
}

// Wait sleeps for the attempt's delay, honoring context cancellation.
func (p BackoffPolicy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
