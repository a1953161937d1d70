package acquire

import (
	"time"

	"guidefetch/internal/cache"
	"guidefetch/internal/core"
	"guidefetch/internal/planner"
	"guidefetch/internal/pool"
)

// FailedKey is a key that reached a terminal failure.
type FailedKey struct {
	Key      core.Key        `json:"key"`
	Class    core.ErrorClass `json:"class"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error,omitempty"`
}

// CategoryStats describes one category of a run.
type CategoryStats struct {
	Category  core.Category `json:"category"`
	Planned   int           `json:"planned"`
	Fetched   int           `json:"fetched"`
	Cached    int           `json:"cached"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	Bytes     int64         `json:"bytes"`
	Duration  time.Duration `json:"duration"`
	// FinalTarget and FinalRate are the pool target and request rate after
	// the controller's adjustments.
	FinalTarget int     `json:"final_target"`
	FinalRate   float64 `json:"final_rate"`
}

// Summary is the outcome of one Acquire call. Every distinct requested key is
// counted exactly once: Total = Fetched + Cached + len(Failed) + len(Cancelled).
type Summary struct {
	Total     int         `json:"total"`
	Fetched   int         `json:"fetched"`
	Cached    int         `json:"cached"`
	Failed    []FailedKey `json:"failed,omitempty"`
	Cancelled []core.Key  `json:"cancelled,omitempty"`

	// Reasons counts planned tasks by why they were needed.
	Reasons map[planner.Reason]int `json:"reasons,omitempty"`
	// Duplicates counts repeated targets that were ignored.
	Duplicates int `json:"duplicates,omitempty"`

	Categories map[core.Category]*CategoryStats `json:"categories"`
	Evicted    cache.EvictReport                `json:"evicted"`

	// TimedOut is set when the policy timeout cut the run short.
	TimedOut bool `json:"timed_out"`
	// Partial is set when any key is not available in the cache after the run.
	Partial bool `json:"partial"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	seen map[core.Key]struct{}
}

func newSummary() *Summary {
	return &Summary{
		Reasons:    make(map[planner.Reason]int),
		Categories: make(map[core.Category]*CategoryStats, len(core.Categories)),
		seen:       make(map[core.Key]struct{}),
	}
}

func (s *Summary) category(c core.Category) *CategoryStats {
	cs, ok := s.Categories[c]
	if !ok {
		cs = &CategoryStats{Category: c}
		s.Categories[c] = cs
	}
	return cs
}

// mark returns false when key was already counted.
func (s *Summary) mark(key core.Key) bool {
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

func (s *Summary) addHit(key core.Key) {
	if !s.mark(key) {
		return
	}
	s.Cached++
	s.category(key.Category).Cached++
}

func (s *Summary) addCancelled(key core.Key) {
	if !s.mark(key) {
		return
	}
	s.Cancelled = append(s.Cancelled, key)
	s.category(key.Category).Cancelled++
}

func (s *Summary) addResult(r pool.Result) {
	key := r.Task.Key
	if !s.mark(key) {
		return
	}
	cs := s.category(key.Category)
	switch r.Status {
	case pool.StatusSucceeded:
		s.Fetched++
		cs.Fetched++
		cs.Bytes += r.Bytes
	case pool.StatusFailed:
		fk := FailedKey{Key: key, Class: r.Class, Attempts: r.Attempts}
		if r.Err != nil {
			fk.Error = r.Err.Error()
		}
		s.Failed = append(s.Failed, fk)
		cs.Failed++
	default:
		s.Cancelled = append(s.Cancelled, key)
		cs.Cancelled++
	}
}

func (s *Summary) cancelAll(targets []core.Target) {
	for _, t := range targets {
		s.addCancelled(t.Key)
	}
}

// reconcile counts planned tasks that produced no result as cancelled.
func (s *Summary) reconcile(plan *planner.Plan) {
	for _, reason := range plan.Reasons {
		s.Reasons[reason]++
	}
	for _, t := range plan.Tasks {
		s.addCancelled(t.Key)
	}
}

func (s *Summary) finish(started, now time.Time) {
	s.Total = len(s.seen)
	s.Partial = s.TimedOut || len(s.Failed) > 0 || len(s.Cancelled) > 0
	s.StartedAt = started
	s.Duration = now.Sub(started)
}

// FailedKeys returns the keys of failed tasks.
func (s *Summary) FailedKeys() []core.Key {
	out := make([]core.Key, 0, len(s.Failed))
	for _, f := range s.Failed {
		out = append(out, f.Key)
	}
	return out
}
