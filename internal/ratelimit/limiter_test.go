package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiter_Rate(t *testing.T) {
	l := New(2, 1)
	if got := l.Rate(); got != 2 {
		t.Fatalf("Rate() = %v, want 2", got)
	}
	l.SetRate(0)
	if got := l.Rate(); got != 0 {
		t.Fatalf("Rate() after SetRate(0) = %v, want 0 (unlimited)", got)
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := New(0, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("unlimited limiter took %v", elapsed)
	}
}

func TestLimiter_ContextCancel(t *testing.T) {
	l := New(0.1, 1) // one token every 10s
	ctx := context.Background()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLimiter_RateChangeReleasesWaiter(t *testing.T) {
	l := New(0.05, 1) // one token every 20s
	ctx := context.Background()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- l.Wait(ctx)
	}()

	// Let the waiter reserve against the slow rate first.
	time.Sleep(50 * time.Millisecond)
	l.SetRate(1000)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter kept honouring the stale rate")
	}
}
