package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"guidefetch/internal/core"
)

// Policy computes retry delays for one category.
type Policy struct {
	// MaxAttempts is the total number of attempts per task, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the first retry of a transient failure.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// RateLimitedMultiplier scales BaseDelay for rate_limited failures.
	RateLimitedMultiplier float64
	// BlockedFloor is the minimum delay after a blocked response.
	BlockedFloor time.Duration
	// JitterMin and JitterMax bound the relative jitter applied to each delay.
	JitterMin float64
	JitterMax float64

	// rand returns a float in [0, 1). Tests replace it.
	rand func() float64
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:           4,
		BaseDelay:             1 * time.Second,
		MaxDelay:              30 * time.Second,
		RateLimitedMultiplier: 3,
		BlockedFloor:          5 * time.Second,
		JitterMin:             0.3,
		JitterMax:             0.5,
	}
}

// WithRand returns a copy of p using fn as its random source.
func (p Policy) WithRand(fn func() float64) Policy {
	p.rand = fn
	return p
}

// NextDelay returns how long to wait before the next attempt of a task that
// has made attempt attempts so far, or false when the task must give up.
func (p Policy) NextDelay(attempt int, class core.ErrorClass) (time.Duration, bool) {
	if !class.Retryable() {
		return 0, false
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if attempt >= maxAttempts {
		return 0, false
	}
	if attempt < 1 {
		attempt = 1
	}

	base := float64(p.BaseDelay)
	if class == core.ErrorClassRateLimited && p.RateLimitedMultiplier > 1 {
		base *= p.RateLimitedMultiplier
	}

	delay := base * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	delay = p.jitter(delay)

	if class == core.ErrorClassBlocked && delay < float64(p.BlockedFloor) {
		delay = float64(p.BlockedFloor)
	}
	return time.Duration(delay), true
}

// jitter moves d up or down by a random fraction in [JitterMin, JitterMax].
func (p Policy) jitter(d float64) float64 {
	lo, hi := p.JitterMin, p.JitterMax
	if hi <= 0 {
		return d
	}
	if lo > hi {
		lo = hi
	}

	rnd := p.rand
	if rnd == nil {
		rnd = rand.Float64
	}

	frac := lo + (hi-lo)*rnd()
	if rnd() < 0.5 {
		frac = -frac
	}
	return d * (1 + frac)
}
