package config

import (
	"fmt"
	"sort"
	"time"

	"guidefetch/internal/cache"
	"guidefetch/internal/core"
	"guidefetch/internal/retry"
)

// Worker and rate bounds accepted for overrides.
const (
	MinWorkers = 1
	MaxWorkers = 10
	MinRate    = 0.5
	MaxRate    = 20.0
)

// CategoryPolicy is the resolved tuning of one category.
type CategoryPolicy struct {
	MinSize        int
	MaxSize        int
	InitialSize    int
	Rate           float64
	Burst          int
	GrowStep       int
	LatencyCeiling time.Duration
	Retry          retry.Policy
}

// PolicyConfig is the resolved acquisition policy passed to the manager.
type PolicyConfig struct {
	Strategy   string
	Categories map[core.Category]CategoryPolicy
	Adaptive   bool
	Timeout    time.Duration
	Retention  cache.RetentionPolicy
}

// For returns the policy of category c.
func (p PolicyConfig) For(c core.Category) (CategoryPolicy, error) {
	cp, ok := p.Categories[c]
	if !ok {
		return CategoryPolicy{}, fmt.Errorf("no policy for category %s", c)
	}
	return cp, nil
}

// Validate checks the resolved policy.
func (p PolicyConfig) Validate() error {
	if p.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", p.Timeout)
	}
	if err := p.Retention.Validate(); err != nil {
		return err
	}
	for _, c := range core.Categories {
		cp, err := p.For(c)
		if err != nil {
			return err
		}
		if cp.MinSize < 1 || cp.MaxSize < cp.MinSize {
			return fmt.Errorf("%s pool bounds invalid: min %d max %d", c, cp.MinSize, cp.MaxSize)
		}
		if cp.InitialSize < cp.MinSize || cp.InitialSize > cp.MaxSize {
			return fmt.Errorf("%s initial size %d outside [%d, %d]", c, cp.InitialSize, cp.MinSize, cp.MaxSize)
		}
		if cp.Rate < 0 {
			return fmt.Errorf("%s rate must not be negative", c)
		}
	}
	return nil
}

type preset struct {
	block  CategoryPolicy
	entity CategoryPolicy
}

var presets = map[string]preset{
	"conservative": {
		block:  CategoryPolicy{MinSize: 1, InitialSize: 2, MaxSize: 3, Rate: 2},
		entity: CategoryPolicy{MinSize: 1, InitialSize: 1, MaxSize: 2, Rate: 1},
	},
	"balanced": {
		block:  CategoryPolicy{MinSize: 1, InitialSize: 4, MaxSize: 6, Rate: 5},
		entity: CategoryPolicy{MinSize: 1, InitialSize: 2, MaxSize: 3, Rate: 2},
	},
	"aggressive": {
		block:  CategoryPolicy{MinSize: 2, InitialSize: 6, MaxSize: 10, Rate: 10},
		entity: CategoryPolicy{MinSize: 1, InitialSize: 3, MaxSize: 4, Rate: 2},
	},
}

// Strategies returns the preset names.
func Strategies() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Policy resolves the strategy preset and overrides into a PolicyConfig.
func (c *Config) Policy() (PolicyConfig, error) {
	pr, ok := presets[c.Fetch.Strategy]
	if !ok {
		return PolicyConfig{}, fmt.Errorf("unknown strategy %q", c.Fetch.Strategy)
	}

	block := pr.block
	block.Burst = 2
	block.GrowStep = 2
	block.LatencyCeiling = 8 * time.Second

	entity := pr.entity
	entity.Burst = 1
	entity.GrowStep = 1
	entity.LatencyCeiling = 5 * time.Second

	if w := c.Fetch.Workers; w != 0 {
		block = withMaxSize(block, w)
		entity = withMaxSize(entity, max(w/2, 1))
	}
	if r := c.Fetch.RateLimit; r != 0 {
		block.Rate = r
		entity.Rate = max(r/2, MinRate)
	}

	block.Retry = retry.DefaultPolicy()
	block.Retry.MaxAttempts = c.Fetch.MaxAttempts

	// Series details are small; retry them sooner and give up earlier.
	entity.Retry = retry.DefaultPolicy()
	entity.Retry.MaxAttempts = min(c.Fetch.MaxAttempts, 3)
	entity.Retry.BaseDelay = 500 * time.Millisecond
	entity.Retry.MaxDelay = 15 * time.Second

	p := PolicyConfig{
		Strategy: c.Fetch.Strategy,
		Categories: map[core.Category]CategoryPolicy{
			core.CategoryBlock:  block,
			core.CategoryEntity: entity,
		},
		Adaptive: c.Fetch.Adaptive,
		Timeout:  c.Fetch.Timeout,
		Retention: cache.RetentionPolicy{
			Horizon:       time.Duration(c.Cache.RetentionDays) * 24 * time.Hour,
			RefreshWindow: time.Duration(c.Guide.RefreshHours) * time.Hour,
			PruneEntities: c.Cache.PruneEntities,
		},
	}
	return p, p.Validate()
}

// withMaxSize caps a preset at n workers.
func withMaxSize(cp CategoryPolicy, n int) CategoryPolicy {
	cp.MaxSize = n
	cp.MinSize = min(cp.MinSize, n)
	cp.InitialSize = min(cp.InitialSize, n)
	return cp
}
