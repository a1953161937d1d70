// Package planner decides which keys of a run must be fetched.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"guidefetch/internal/cache"
	"guidefetch/internal/core"
	"guidefetch/internal/retry"
)

// Reason explains why a key needs a task.
type Reason string

const (
	ReasonMissing Reason = "missing"
	ReasonRefresh Reason = "refresh"
	ReasonCorrupt Reason = "corrupt"
	ReasonExpired Reason = "expired"
)

// Plan is the outcome of one planning pass.
type Plan struct {
	// Tasks in dispatch order: blocks by ascending start, then entities in
	// input order.
	Tasks []*core.Task
	// Hits are keys served from the cache as is.
	Hits []core.Key
	// Reasons holds one entry per task key.
	Reasons map[core.Key]Reason
	// Duplicates counts targets dropped because their key was already planned.
	Duplicates int
}

// TasksFor returns the tasks of one category, preserving order.
func (p *Plan) TasksFor(category core.Category) []*core.Task {
	var out []*core.Task
	for _, t := range p.Tasks {
		if t.Category == category {
			out = append(out, t)
		}
	}
	return out
}

// HitsFor returns the number of cache hits in one category.
func (p *Plan) HitsFor(category core.Category) int {
	n := 0
	for _, k := range p.Hits {
		if k.Category == category {
			n++
		}
	}
	return n
}

// Planner reads the cache to build plans. It never writes.
type Planner struct {
	store cache.Store
	now   func() time.Time
}

// Option configures a Planner.
type Option func(*Planner)

// WithClock sets the time source used for refresh window decisions.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) {
		p.now = now
	}
}

// New creates a planner over store.
func New(store cache.Store, opts ...Option) *Planner {
	p := &Planner{store: store, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan returns the tasks required for targets under policy.
//
// A key needs a task when it has no entry, when its entry is unreadable or
// not a structurally valid payload, or, for blocks only, when the block starts
// inside the refresh window or its entry is older than the retention horizon.
// A present entity entry is always reused.
func (p *Planner) Plan(ctx context.Context, targets []core.Target, policy cache.RetentionPolicy) (*Plan, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	now := p.now()
	plan := &Plan{Reasons: make(map[core.Key]Reason)}
	seen := make(map[core.Key]struct{}, len(targets))
	var blocks, entities []core.Target

	for _, t := range targets {
		if !t.Key.Category.Valid() {
			return nil, fmt.Errorf("invalid category %q for key %q", t.Key.Category, t.Key.ID)
		}
		if t.Key.ID == "" {
			return nil, fmt.Errorf("empty %s key id", t.Key.Category)
		}
		if _, dup := seen[t.Key]; dup {
			plan.Duplicates++
			continue
		}
		seen[t.Key] = struct{}{}

		reason, err := p.check(ctx, t, policy, now)
		if err != nil {
			return nil, err
		}
		if reason == "" {
			plan.Hits = append(plan.Hits, t.Key)
			continue
		}
		plan.Reasons[t.Key] = reason
		if t.Key.Category == core.CategoryBlock {
			blocks = append(blocks, t)
		} else {
			entities = append(entities, t)
		}
	}

	sort.SliceStable(blocks, func(i, j int) bool {
		return blocks[i].Start.Before(blocks[j].Start)
	})

	plan.Tasks = make([]*core.Task, 0, len(blocks)+len(entities))
	for _, t := range blocks {
		plan.Tasks = append(plan.Tasks, core.NewTask(t, int64(len(plan.Tasks))))
	}
	for _, t := range entities {
		plan.Tasks = append(plan.Tasks, core.NewTask(t, int64(len(plan.Tasks))))
	}

	return plan, nil
}

// check returns the reason t needs a task, or "" for a usable cache hit.
func (p *Planner) check(ctx context.Context, t core.Target, policy cache.RetentionPolicy, now time.Time) (Reason, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	isBlock := t.Key.Category == core.CategoryBlock
	if isBlock && policy.InRefreshWindow(t.Start, now) {
		return ReasonRefresh, nil
	}

	entry, err := p.store.Get(ctx, t.Key)
	switch {
	case errors.Is(err, cache.ErrCorrupt):
		slog.Warn("corrupt cache entry", "key", t.Key.String(), "error", err)
		return ReasonCorrupt, nil
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		slog.Warn("cache read failed, treating as miss", "key", t.Key.String(), "error", err)
		return ReasonMissing, nil
	case entry == nil:
		return ReasonMissing, nil
	case !retry.ValidPayload(entry.Payload):
		return ReasonCorrupt, nil
	case isBlock && now.Sub(entry.FetchedAt) > policy.Horizon:
		return ReasonExpired, nil
	}
	return "", nil
}
