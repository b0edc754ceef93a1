package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/llmhive/llmhive/core"
)

// TokenBucket is a per-backend rate limiter. Refill rate is
// rpmLimit/60 tokens per second and capacity is rpmLimit, which
// approximates a 60s sliding window on requests per minute.
//
// All operations on a bucket are serialized under one mutex, so the
// backend's window state has a single writer.
type TokenBucket struct {
	mu         sync.Mutex
	rpmLimit   int
	tokens     float64
	lastRefill time.Time

	// Overridable for tests
	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTokenBucket creates a full bucket for the given requests-per-minute limit.
func NewTokenBucket(rpmLimit int) *TokenBucket {
	tb := &TokenBucket{
		rpmLimit: rpmLimit,
		tokens:   float64(rpmLimit),
		clock:    time.Now,
		sleep:    sleepContext,
	}
	tb.lastRefill = tb.clock()
	return tb
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// refill advances the bucket to now. Caller must hold tb.mu.
func (tb *TokenBucket) refill() {
	now := tb.clock()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * float64(tb.rpmLimit) / 60.0
	if tb.tokens > float64(tb.rpmLimit) {
		tb.tokens = float64(tb.rpmLimit)
	}
	tb.lastRefill = now
}

// Acquire takes one token, sleeping until one is available. A cancelled
// context leaves the bucket untouched: the reservation is released, not spent.
func (tb *TokenBucket) Acquire(ctx context.Context) error {
	for {
		tb.mu.Lock()
		tb.refill()
		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		// Time until one full token is available.
		wait := time.Duration((1 - tb.tokens) * 60.0 / float64(tb.rpmLimit) * float64(time.Second))
		tb.mu.Unlock()

		if err := tb.sleep(ctx, wait); err != nil {
			return core.NewHiveError(core.CodeCancelled, "cancelled while waiting for rate limit token",
				core.CorrelationIDFromContext(ctx), core.ErrCancelled)
		}
	}
}

// TryAcquire takes one token without blocking. It returns false when the
// backend is at its RPM ceiling, letting no_wait callers fail over instead
// of waiting.
func (tb *TokenBucket) TryAcquire() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Available returns the current token count. Snapshot only; another caller
// may take a token immediately after.
func (tb *TokenBucket) Available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}
