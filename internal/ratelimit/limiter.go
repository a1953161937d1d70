// Package ratelimit provides a token bucket gate that can be reconfigured while
// callers are waiting on it.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter gates outbound requests for one category.
type Limiter struct {
	mu      sync.Mutex
	lim     *rate.Limiter
	changed chan struct{}
}

// New creates a limiter allowing rps requests per second with the given burst.
// rps <= 0 disables limiting.
func New(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		lim:     rate.NewLimiter(toLimit(rps), burst),
		changed: make(chan struct{}),
	}
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// Wait blocks until a token is available or ctx is done. A rate change while
// waiting releases the reservation and re-evaluates against the new rate.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		r := l.lim.Reserve()
		changed := l.changed
		l.mu.Unlock()

		if !r.OK() {
			return fmt.Errorf("rate limiter cannot grant a token")
		}
		delay := r.Delay()
		if delay <= 0 {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			timer.Stop()
			r.Cancel()
			return ctx.Err()
		case <-changed:
			timer.Stop()
			r.Cancel()
		}
	}
}

// SetRate changes the rate and wakes every waiter.
func (l *Limiter) SetRate(rps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lim.SetLimit(toLimit(rps))
	close(l.changed)
	l.changed = make(chan struct{})
}

// Rate returns the current requests per second, 0 when unlimited.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.lim.Limit()
	if limit == rate.Inf {
		return 0
	}
	return float64(limit)
}
