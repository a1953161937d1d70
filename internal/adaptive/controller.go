// Package adaptive resizes worker pools and rate limits from the outcomes
// observed on the event bus.
package adaptive

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"guidefetch/internal/core"
	"guidefetch/internal/events"
	"guidefetch/internal/retry"
)

// Resizer is the pool side of the controller.
type Resizer interface {
	Resize(n int) int
	Target() int
	Size() int
}

// RateSetter is the limiter side of the controller.
type RateSetter interface {
	SetRate(rps float64)
	Rate() float64
}

// Tuning holds the thresholds of one category.
type Tuning struct {
	MinSize  int
	MaxSize  int
	GrowStep int

	// MaxRate is the configured rate; growth never exceeds it.
	MaxRate float64
	MinRate float64

	LatencyCeiling time.Duration

	// Window is the number of outcomes kept for the rolling metrics.
	Window int
	// MinSamples is the number of outcomes required before evaluating.
	MinSamples int
	// EvalEvery triggers an evaluation after that many outcomes.
	EvalEvery int
	// EvalInterval triggers an evaluation when that much time has passed.
	EvalInterval time.Duration
	// Lookback is how long a block or rate limit event prevents growth.
	Lookback time.Duration
	// Cooldown spaces out repeated reactions to rate limiting and blocks.
	Cooldown time.Duration
}

// DefaultTuning returns tuning for a category with the given bounds and rate.
func DefaultTuning(minSize, maxSize, step int, rate float64, ceiling time.Duration) Tuning {
	return Tuning{
		MinSize:        minSize,
		MaxSize:        maxSize,
		GrowStep:       step,
		MaxRate:        rate,
		MinRate:        0.5,
		LatencyCeiling: ceiling,
		Window:         50,
		MinSamples:     5,
		EvalEvery:      10,
		EvalInterval:   30 * time.Second,
		Lookback:       60 * time.Second,
		Cooldown:       10 * time.Second,
	}
}

const (
	growThreshold   = 0.95
	shrinkThreshold = 0.80
)

// Action names an adjustment.
type Action string

const (
	ActionGrow     Action = "grow"
	ActionShrink   Action = "shrink"
	ActionBlocked  Action = "blocked"
	ActionThrottle Action = "throttle"
)

// State is a snapshot of one controller.
type State struct {
	Category             core.Category `json:"category"`
	Enabled              bool          `json:"enabled"`
	Size                 int           `json:"size"`
	Target               int           `json:"target"`
	Rate                 float64       `json:"rate"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	Samples              int           `json:"samples"`
	SuccessRate          float64       `json:"success_rate"`
	MeanLatency          time.Duration `json:"mean_latency"`
	LastBlockAt          time.Time     `json:"last_block_at,omitzero"`
	LastRateLimitAt      time.Time     `json:"last_rate_limit_at,omitzero"`
	LastAction           Action        `json:"last_action,omitempty"`
	Adjustments          int           `json:"adjustments"`
}

// Config configures a controller.
type Config struct {
	Category core.Category
	Tuning   Tuning
	Pool     Resizer
	Limiter  RateSetter
	Events   events.Publisher
	// Disabled keeps the metrics but never adjusts.
	Disabled bool
	Now      func() time.Time
}

type sample struct {
	ok      bool
	latency time.Duration
}

// Controller adjusts one category. It is an events.Subscriber and must be
// subscribed to the bus the category's pool publishes on.
type Controller struct {
	category core.Category
	tuning   Tuning
	pool     Resizer
	limiter  RateSetter
	events   events.Publisher
	enabled  bool
	now      func() time.Time

	mu              sync.Mutex
	samples         []sample
	next            int
	count           int
	sinceEval       int
	lastEval        time.Time
	consecSuccess   int
	consecFailure   int
	lastBlock       time.Time
	lastRateLimit   time.Time
	lastBlockAct    time.Time
	lastThrottleAct time.Time
	lastAction      Action
	adjustments     int
}

// New creates a controller.
func New(cfg Config) *Controller {
	t := cfg.Tuning
	t.MinSize = max(t.MinSize, 1)
	t.MaxSize = max(t.MaxSize, t.MinSize)
	t.GrowStep = max(t.GrowStep, 1)
	t.Window = max(t.Window, 1)
	t.MinSamples = min(max(t.MinSamples, 1), t.Window)
	t.EvalEvery = max(t.EvalEvery, 1)

	c := &Controller{
		category: cfg.Category,
		tuning:   t,
		pool:     cfg.Pool,
		limiter:  cfg.Limiter,
		events:   cfg.Events,
		enabled:  !cfg.Disabled,
		now:      cfg.Now,
		samples:  make([]sample, t.Window),
	}
	if c.events == nil {
		c.events = events.Discard{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.lastEval = c.now()
	return c
}

// adjustment is an applied change, published after the lock is released.
type adjustment struct {
	action     Action
	reason     string
	sizeBefore int
	sizeAfter  int
	rateBefore float64
	rateAfter  float64
}

// HandleEvent records task outcomes of the controller's category.
func (c *Controller) HandleEvent(ev events.Event) {
	if ev.Category != c.category {
		return
	}
	if ev.Kind != events.KindTaskCompleted && ev.Kind != events.KindTaskFailed {
		return
	}

	c.mu.Lock()
	now := c.now()
	var adj *adjustment
	if ev.Kind == events.KindTaskCompleted {
		c.record(sample{ok: true, latency: ev.Latency})
		c.consecSuccess++
		c.consecFailure = 0
	} else {
		c.record(sample{ok: false, latency: ev.Latency})
		c.consecFailure++
		c.consecSuccess = 0

		if retry.IsNotification(ev.Class) {
			adj = c.notify(ev.Class, now)
		}
	}
	if adj == nil && c.due(now) {
		adj = c.evaluate(now)
	}
	c.mu.Unlock()

	if adj != nil {
		c.publish(adj)
	}
}

func (c *Controller) record(s sample) {
	c.samples[c.next] = s
	c.next = (c.next + 1) % len(c.samples)
	if c.count < len(c.samples) {
		c.count++
	}
	c.sinceEval++
}

func (c *Controller) resetWindow(now time.Time) {
	c.next = 0
	c.count = 0
	c.sinceEval = 0
	c.lastEval = now
}

// metricsLocked returns the rolling success rate and mean latency of
// successful attempts.
func (c *Controller) metricsLocked() (float64, time.Duration) {
	if c.count == 0 {
		return 0, 0
	}
	var ok int
	var total time.Duration
	for i := 0; i < c.count; i++ {
		s := c.samples[i]
		if s.ok {
			ok++
			total += s.latency
		}
	}
	rate := float64(ok) / float64(c.count)
	if ok == 0 {
		return rate, 0
	}
	return rate, total / time.Duration(ok)
}

func (c *Controller) due(now time.Time) bool {
	if c.count < c.tuning.MinSamples {
		return false
	}
	if c.sinceEval >= c.tuning.EvalEvery {
		return true
	}
	return c.tuning.EvalInterval > 0 && now.Sub(c.lastEval) >= c.tuning.EvalInterval
}

// notify reacts to blocked and rate limited failures without waiting for the
// next evaluation.
func (c *Controller) notify(class core.ErrorClass, now time.Time) *adjustment {
	if class == core.ErrorClassBlocked {
		c.lastBlock = now
		return c.onBlocked(now)
	}
	c.lastRateLimit = now
	return c.onRateLimited(now)
}

func (c *Controller) onBlocked(now time.Time) *adjustment {
	if !c.enabled {
		return nil
	}
	size := c.pool.Target()
	rate := c.currentRate()
	newRate := rate
	if c.lastBlockAct.IsZero() || now.Sub(c.lastBlockAct) >= c.tuning.Cooldown {
		newRate = c.boundRate(rate / 2)
	}
	if size <= c.tuning.MinSize && newRate == rate {
		return nil
	}
	c.lastBlockAct = now
	return c.apply(now, ActionBlocked, "blocked response", c.tuning.MinSize, newRate)
}

func (c *Controller) onRateLimited(now time.Time) *adjustment {
	if !c.enabled {
		return nil
	}
	if !c.lastThrottleAct.IsZero() && now.Sub(c.lastThrottleAct) < c.tuning.Cooldown {
		return nil
	}
	size := c.pool.Target()
	rate := c.currentRate()
	newSize := max(size/2, c.tuning.MinSize)
	newRate := c.boundRate(rate / 2)
	if newSize == size && newRate == rate {
		return nil
	}
	c.lastThrottleAct = now
	return c.apply(now, ActionThrottle, "rate limited", newSize, newRate)
}

// evaluate runs the periodic check. At most one adjustment is made.
func (c *Controller) evaluate(now time.Time) *adjustment {
	successRate, meanLatency := c.metricsLocked()
	c.sinceEval = 0
	c.lastEval = now
	if !c.enabled {
		return nil
	}

	size := c.pool.Target()
	rate := c.currentRate()
	overCeiling := c.tuning.LatencyCeiling > 0 && meanLatency > c.tuning.LatencyCeiling
	metric := fmt.Sprintf("success_rate=%.2f mean_latency=%s", successRate, meanLatency.Round(time.Millisecond))

	switch {
	case successRate < shrinkThreshold || overCeiling:
		newSize := max(size/2, c.tuning.MinSize)
		factor := float64(newSize) / float64(size)
		if newSize == size {
			factor = 0.5
		}
		newRate := c.boundRate(rate * factor)
		if newSize == size && newRate == rate {
			return nil
		}
		return c.apply(now, ActionShrink, metric, newSize, newRate)

	case successRate > growThreshold && !overCeiling && !c.recentTrouble(now):
		if size >= c.tuning.MaxSize {
			return nil
		}
		newSize := min(size+c.tuning.GrowStep, c.tuning.MaxSize)
		newRate := rate
		if rate > 0 {
			newRate = rate * float64(newSize) / float64(size)
			if c.tuning.MaxRate > 0 {
				newRate = min(newRate, c.tuning.MaxRate)
			}
		}
		return c.apply(now, ActionGrow, metric, newSize, newRate)
	}
	return nil
}

func (c *Controller) recentTrouble(now time.Time) bool {
	if !c.lastBlock.IsZero() && now.Sub(c.lastBlock) < c.tuning.Lookback {
		return true
	}
	return !c.lastRateLimit.IsZero() && now.Sub(c.lastRateLimit) < c.tuning.Lookback
}

func (c *Controller) currentRate() float64 {
	if c.limiter == nil {
		return 0
	}
	return c.limiter.Rate()
}

// boundRate keeps a reduced rate above MinRate. 0 stays unlimited.
func (c *Controller) boundRate(r float64) float64 {
	if r <= 0 {
		return 0
	}
	return max(r, c.tuning.MinRate)
}

func (c *Controller) apply(now time.Time, action Action, reason string, size int, rate float64) *adjustment {
	adj := &adjustment{
		action:     action,
		reason:     reason,
		sizeBefore: c.pool.Target(),
		rateBefore: c.currentRate(),
	}
	adj.sizeAfter = c.pool.Resize(size)
	adj.rateAfter = adj.rateBefore
	if c.limiter != nil && rate != adj.rateBefore {
		c.limiter.SetRate(rate)
		adj.rateAfter = c.limiter.Rate()
	}

	c.lastAction = action
	c.adjustments++
	c.resetWindow(now)

	slog.Info("adaptive adjustment",
		"category", c.category,
		"action", action,
		"reason", reason,
		"size_before", adj.sizeBefore,
		"size_after", adj.sizeAfter,
		"rate_before", adj.rateBefore,
		"rate_after", adj.rateAfter,
	)
	return adj
}

func (c *Controller) publish(adj *adjustment) {
	reason := string(adj.action) + ": " + adj.reason
	if adj.sizeAfter != adj.sizeBefore {
		c.events.Publish(events.Event{
			Kind:     events.KindPoolResized,
			Category: c.category,
			Size:     adj.sizeAfter,
			Reason:   reason,
		})
	}
	if adj.rateAfter != adj.rateBefore {
		c.events.Publish(events.Event{
			Kind:     events.KindRateChanged,
			Category: c.category,
			Rate:     adj.rateAfter,
			Reason:   reason,
		})
	}
}

// Category returns the controlled category.
func (c *Controller) Category() core.Category {
	return c.category
}

// State returns a snapshot of the controller.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	successRate, meanLatency := c.metricsLocked()
	return State{
		Category:             c.category,
		Enabled:              c.enabled,
		Size:                 c.pool.Size(),
		Target:               c.pool.Target(),
		Rate:                 c.currentRate(),
		ConsecutiveSuccesses: c.consecSuccess,
		ConsecutiveFailures:  c.consecFailure,
		Samples:              c.count,
		SuccessRate:          successRate,
		MeanLatency:          meanLatency,
		LastBlockAt:          c.lastBlock,
		LastRateLimitAt:      c.lastRateLimit,
		LastAction:           c.lastAction,
		Adjustments:          c.adjustments,
	}
}

var _ events.Subscriber = (*Controller)(nil)
