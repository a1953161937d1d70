// Package acquire is the entry point of the engine. It plans a run against
// the cache, fetches what is missing or stale with one adaptive worker pool per
// category, and evicts what the run no longer needs.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"guidefetch/config"
	"guidefetch/internal/adaptive"
	"guidefetch/internal/cache"
	"guidefetch/internal/core"
	"guidefetch/internal/events"
	"guidefetch/internal/planner"
	"guidefetch/internal/pool"
	"guidefetch/internal/ratelimit"
	"guidefetch/internal/retry"
)

// ErrNotFound is returned by GetCached when a key has no usable entry.
var ErrNotFound = errors.New("key not found in cache")

// Fetcher performs one upstream attempt for a task.
type Fetcher interface {
	Fetch(ctx context.Context, task *core.Task) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, task *core.Task) ([]byte, error)

// Fetch calls f(ctx, task).
func (f FetcherFunc) Fetch(ctx context.Context, task *core.Task) ([]byte, error) {
	return f(ctx, task)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source for planning, cache timestamps and the
// adaptive controllers.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithBus publishes on bus instead of a private one, so that other
// subscribers see the same stream as the controllers.
func WithBus(bus *events.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// lane is the per-category machinery. It outlives a single Acquire so that
// adjusted sizes and rates carry over to the next pass.
type lane struct {
	category   core.Category
	pool       *pool.Pool
	limiter    *ratelimit.Limiter
	controller *adaptive.Controller
}

// Manager runs acquisitions against one store.
type Manager struct {
	policy  config.PolicyConfig
	store   cache.Store
	fetcher Fetcher
	bus     *events.Bus
	now     func() time.Time
	planner *planner.Planner
	lanes   map[core.Category]*lane

	mu      sync.Mutex
	running bool
}

// New validates policy and builds the pools, limiters and controllers of
// every category.
func New(policy config.PolicyConfig, store cache.Store, fetcher Fetcher, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("cache store is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid acquisition policy: %w", err)
	}

	m := &Manager{
		policy:  policy,
		store:   store,
		fetcher: fetcher,
		now:     time.Now,
		lanes:   make(map[core.Category]*lane, len(core.Categories)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = events.NewBus()
	}
	m.planner = planner.New(store, planner.WithClock(m.now))

	for _, c := range core.Categories {
		cp, _ := policy.For(c)
		limiter := ratelimit.New(cp.Rate, cp.Burst)
		p := pool.New(pool.Config{
			Category:    c,
			MinSize:     cp.MinSize,
			MaxSize:     cp.MaxSize,
			InitialSize: cp.InitialSize,
			Gate:        limiter,
			Backoff:     cp.Retry,
			Events:      m.bus,
		})
		ctrl := adaptive.New(adaptive.Config{
			Category: c,
			Tuning:   adaptive.DefaultTuning(cp.MinSize, cp.MaxSize, cp.GrowStep, cp.Rate, cp.LatencyCeiling),
			Pool:     p,
			Limiter:  limiter,
			Events:   m.bus,
			Disabled: !policy.Adaptive,
			Now:      m.now,
		})
		m.bus.Subscribe(ctrl)
		m.lanes[c] = &lane{category: c, pool: p, limiter: limiter, controller: ctrl}
	}

	return m, nil
}

// Bus returns the event stream of the manager.
func (m *Manager) Bus() *events.Bus {
	return m.bus
}

// Stats returns the controller state of every category.
func (m *Manager) Stats() []adaptive.State {
	out := make([]adaptive.State, 0, len(core.Categories))
	for _, c := range core.Categories {
		out = append(out, m.lanes[c].controller.State())
	}
	return out
}

// Workers returns the live workers of a category.
func (m *Manager) Workers(c core.Category) []pool.WorkerState {
	l, ok := m.lanes[c]
	if !ok {
		return nil
	}
	return l.pool.Workers()
}

// GetCached reads a payload straight from the cache.
func (m *Manager) GetCached(ctx context.Context, key core.Key) ([]byte, error) {
	entry, err := m.store.Get(ctx, key)
	if errors.Is(err, cache.ErrCorrupt) {
		return nil, fmt.Errorf("%w: %s (corrupt entry)", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if entry == nil || !retry.ValidPayload(entry.Payload) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return entry.Payload, nil
}

// Acquire makes every target available in the cache. It returns after all
// tasks reached a terminal state or the policy timeout expired; in the
// latter case the summary is marked partial. Errors are only returned for an
// invalid retention policy or invalid targets.
func (m *Manager) Acquire(ctx context.Context, targets []core.Target, retention cache.RetentionPolicy) (*Summary, error) {
	if err := retention.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retention policy: %w", err)
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil, errors.New("an acquisition is already in progress")
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	started := m.now()
	runCtx, cancel := context.WithTimeout(ctx, m.policy.Timeout)
	defer cancel()

	plan, err := m.planner.Plan(runCtx, targets, retention)
	if err != nil {
		if runCtx.Err() == nil {
			return nil, fmt.Errorf("failed to plan acquisition: %w", err)
		}
		slog.Warn("acquisition interrupted while planning", "error", err)
		s := newSummary()
		s.cancelAll(targets)
		s.finish(started, m.now())
		return s, nil
	}

	s := newSummary()
	s.Duplicates = plan.Duplicates
	for _, k := range plan.Hits {
		s.addHit(k)
	}

	type categoryRun struct {
		results  []pool.Result
		duration time.Duration
	}
	var (
		resMu sync.Mutex
		runs  = make(map[core.Category]categoryRun, len(core.Categories))
	)
	var g errgroup.Group
	for _, c := range core.Categories {
		l := m.lanes[c]
		tasks := plan.TasksFor(c)
		if hits := plan.HitsFor(c); hits > 0 {
			m.bus.Publish(events.Event{Kind: events.KindCacheHits, Category: c, Count: hits})
		}
		s.category(c).Planned = len(tasks)
		if len(tasks) == 0 {
			continue
		}

		g.Go(func() error {
			begin := time.Now()
			m.bus.Publish(events.Event{Kind: events.KindCategoryStarted, Category: c, Count: len(tasks)})
			slog.Info("category acquisition started",
				"category", c,
				"tasks", len(tasks),
				"workers", l.pool.Target(),
				"rate", l.limiter.Rate(),
			)

			res, err := l.pool.Run(runCtx, tasks, pool.ExecutorFunc(m.execute))
			if err != nil {
				return fmt.Errorf("category %s: %w", c, err)
			}

			elapsed := time.Since(begin)
			resMu.Lock()
			runs[c] = categoryRun{results: res, duration: elapsed}
			resMu.Unlock()

			m.bus.Publish(events.Event{
				Kind:     events.KindCategoryFinished,
				Category: c,
				Count:    len(res),
				Latency:  elapsed,
			})
			return nil
		})
	}
	runErr := g.Wait()

	for _, c := range core.Categories {
		cs := s.category(c)
		for _, r := range runs[c].results {
			s.addResult(r)
		}
		cs.Duration = runs[c].duration
		cs.FinalTarget = m.lanes[c].pool.Target()
		cs.FinalRate = m.lanes[c].limiter.Rate()
	}
	if runErr != nil {
		// A pool refuses to run only when another run holds it, which the
		// running flag rules out. Report the category as cancelled.
		slog.Error("category run failed", "error", runErr)
	}
	s.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	s.reconcile(plan)

	if ctx.Err() != nil {
		slog.Warn("acquisition cancelled, skipping eviction", "error", ctx.Err())
	} else {
		// The run deadline may have passed; eviction still gets to run.
		report, err := cache.Evict(context.WithoutCancel(ctx), m.store, retention, requestedKeys(targets), m.now())
		if err != nil {
			slog.Warn("cache eviction incomplete", "error", err)
		}
		s.Evicted = report
	}

	s.finish(started, m.now())
	m.bus.Publish(events.Event{Kind: events.KindAcquireFinished, Count: s.Total, Latency: s.Duration})
	slog.Info("acquisition finished",
		"total", s.Total,
		"fetched", s.Fetched,
		"cached", s.Cached,
		"failed", len(s.Failed),
		"cancelled", len(s.Cancelled),
		"partial", s.Partial,
		"evicted", s.Evicted.Total(),
		"duration", s.Duration,
	)
	return s, nil
}

// execute fetches one task, validates the payload and stores it.
func (m *Manager) execute(ctx context.Context, task *core.Task) (int64, error) {
	payload, err := m.fetcher.Fetch(ctx, task)
	if err != nil {
		var fe *core.FetchError
		if !errors.As(err, &fe) {
			err = core.NewTransientError(task.Key, 0, err.Error(), err)
		}
		return 0, err
	}
	if !retry.ValidPayload(payload) {
		return 0, core.NewTransientError(task.Key, 0, "invalid payload", nil)
	}

	entry := &cache.Entry{Key: task.Key, Payload: payload, FetchedAt: m.now()}
	if err := m.store.Put(ctx, entry); err != nil {
		return 0, core.NewTransientError(task.Key, 0, "failed to write cache entry", err)
	}
	return int64(len(payload)), nil
}

func requestedKeys(targets []core.Target) map[core.Category]map[string]struct{} {
	out := make(map[core.Category]map[string]struct{})
	for _, t := range targets {
		ids, ok := out[t.Key.Category]
		if !ok {
			ids = make(map[string]struct{})
			out[t.Key.Category] = ids
		}
		ids[t.Key.ID] = struct{}{}
	}
	return out
}
