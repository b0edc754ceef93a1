package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/llmhive/llmhive/core"
)

// fakeClockBucket rewires a bucket onto a manual clock. Sleeps advance the
// clock instead of blocking.
func fakeClockBucket(rpm int) (*TokenBucket, *time.Time) {
	now := time.Now()
	tb := NewTokenBucket(rpm)
	tb.clock = func() time.Time { return now }
	tb.lastRefill = now
	tb.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		now = now.Add(d)
		return nil
	}
	return tb, &now
}

func TestBucketStartsFull(t *testing.T) {
	tb, _ := fakeClockBucket(10)
	if got := tb.Available(); got != 10 {
		t.Errorf("Available = %v, want the full capacity", got)
	}
}

func TestTryAcquireExhaustsAtCeiling(t *testing.T) {
	tb, _ := fakeClockBucket(3)

	for i := 0; i < 3; i++ {
		if !tb.TryAcquire() {
			t.Fatalf("TryAcquire %d failed with tokens available", i)
		}
	}
	if tb.TryAcquire() {
		t.Error("TryAcquire succeeded past the RPM ceiling")
	}
}

func TestBucketRefillsOverTime(t *testing.T) {
	tb, now := fakeClockBucket(60) // one token per second

	for i := 0; i < 60; i++ {
		tb.TryAcquire()
	}
	if tb.TryAcquire() {
		t.Fatal("bucket not empty")
	}

	*now = now.Add(2 * time.Second)
	if got := tb.Available(); got < 1.99 || got > 2.01 {
		t.Errorf("Available = %v after 2s, want ~2", got)
	}
	if !tb.TryAcquire() {
		t.Error("TryAcquire failed after refill")
	}
}

func TestRefillCapsAtCapacity(t *testing.T) {
	tb, now := fakeClockBucket(10)
	*now = now.Add(time.Hour)
	if got := tb.Available(); got != 10 {
		t.Errorf("Available = %v after a long idle, want capped at capacity", got)
	}
}

func TestAcquireWaitsForToken(t *testing.T) {
	tb, _ := fakeClockBucket(60)
	for i := 0; i < 60; i++ {
		tb.TryAcquire()
	}

	// The fake sleep advances the clock, so this returns once a token
	// has accrued.
	if err := tb.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
}

func TestAcquireHonorsCancellation(t *testing.T) {
	tb, _ := fakeClockBucket(60)
	for i := 0; i < 60; i++ {
		tb.TryAcquire()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tb.Acquire(ctx)
	if err == nil {
		t.Fatal("Acquire succeeded on a cancelled context")
	}
	if !core.IsCancelled(err) {
		t.Errorf("err = %v, want a cancellation error", err)
	}
	if got := tb.Available(); got < 0 {
		t.Errorf("Available = %v, cancellation must not spend tokens", got)
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Max: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{40, 10 * time.Second},
		{-1, time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffWaitHonorsCancellation(t *testing.T) {
	p := BackoffPolicy{Base: time.Minute, Max: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Wait(ctx, 0); err == nil {
		t.Error("Wait returned nil on a cancelled context")
	}
}
