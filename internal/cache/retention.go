package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"guidefetch/internal/core"
)

// RetentionPolicy controls refresh and eviction of cached entries.
type RetentionPolicy struct {
	// Horizon is the maximum age of an entry. It must cover the requested span.
	Horizon time.Duration
	// RefreshWindow is measured from now. Block entries starting inside it are
	// always re-fetched. Zero accepts every cache hit as is.
	RefreshWindow time.Duration
	// PruneEntities removes entity entries that were not requested by the run.
	PruneEntities bool
}

// Validate checks the policy for consistency.
func (p RetentionPolicy) Validate() error {
	if p.Horizon <= 0 {
		return fmt.Errorf("retention horizon must be positive, got %s", p.Horizon)
	}
	if p.RefreshWindow < 0 {
		return fmt.Errorf("refresh window must not be negative, got %s", p.RefreshWindow)
	}
	if p.RefreshWindow > p.Horizon {
		return fmt.Errorf("refresh window %s exceeds retention horizon %s", p.RefreshWindow, p.Horizon)
	}
	return nil
}

// InRefreshWindow reports whether a block starting at start must be re-fetched.
func (p RetentionPolicy) InRefreshWindow(start, now time.Time) bool {
	if p.RefreshWindow <= 0 {
		return false
	}
	return start.Before(now.Add(p.RefreshWindow))
}

// EvictReport summarizes an eviction pass.
type EvictReport struct {
	Expired      int `json:"expired"`
	Unreferenced int `json:"unreferenced"`
	Corrupt      int `json:"corrupt"`
	Failed       int `json:"failed"`
}

// Total returns the number of deleted entries.
func (r EvictReport) Total() int {
	return r.Expired + r.Unreferenced + r.Corrupt
}

// Evict deletes entries of the requested categories that are older than the
// horizon, unreadable, or no longer referenced. requested maps a category to
// the ids the current run asked for; categories absent from it are untouched.
// Entity entries are only pruned for relevance when PruneEntities is set, and
// a requested entity is never removed for its age.
func Evict(ctx context.Context, store Store, policy RetentionPolicy, requested map[core.Category]map[string]struct{}, now time.Time) (EvictReport, error) {
	var report EvictReport
	var errs []error

	for category, ids := range requested {
		metas, err := store.List(ctx, category)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list %s entries: %w", category, err))
			continue
		}

		pruneUnreferenced := category == core.CategoryBlock || policy.PruneEntities

		for _, m := range metas {
			_, wanted := ids[m.Key.ID]
			var reason string
			switch {
			case m.Corrupt:
				reason = "corrupt"
			case m.Age(now) > policy.Horizon && !(wanted && category == core.CategoryEntity):
				reason = "expired"
			case pruneUnreferenced && !wanted:
				reason = "unreferenced"
			}
			if reason == "" {
				continue
			}

			if err := store.Delete(ctx, m.Key); err != nil {
				report.Failed++
				slog.Warn("failed to evict cache entry", "key", m.Key.String(), "reason", reason, "error", err)
				continue
			}
			switch reason {
			case "corrupt":
				report.Corrupt++
			case "expired":
				report.Expired++
			default:
				report.Unreferenced++
			}
		}
	}

	if report.Total() > 0 || report.Failed > 0 {
		slog.Info("cache eviction finished",
			"expired", report.Expired,
			"unreferenced", report.Unreferenced,
			"corrupt", report.Corrupt,
			"failed", report.Failed,
		)
	}

	return report, errors.Join(errs...)
}
