// Package monitor observes the acquisition event stream. Everything here is a
// passive subscriber: it never feeds back into the engine.
package monitor

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"guidefetch/internal/core"
	"guidefetch/internal/events"
)

// rollingWindow is the number of recent outcomes behind SuccessRate.
const rollingWindow = 100

// CategoryStats is the aggregated view of one category.
type CategoryStats struct {
	Category    core.Category `json:"category"`
	Running     bool          `json:"running"`
	Planned     int64         `json:"planned"`
	Completed   int64         `json:"completed"`
	Failures    int64         `json:"failures"`
	Abandoned   int64         `json:"abandoned"`
	CacheHits   int64         `json:"cache_hits"`
	Bytes       int64         `json:"bytes"`
	PoolTarget  int           `json:"pool_target,omitempty"`
	Rate        float64       `json:"rate"`
	SuccessRate float64       `json:"success_rate"`
	LastEventAt time.Time     `json:"last_event_at,omitzero"`

	outcomes []bool
	next     int
}

// Snapshot is a point-in-time copy of the recorder's aggregates.
type Snapshot struct {
	Categories []CategoryStats `json:"categories"`
	Runs       int64           `json:"runs"`
	Dropped    int64           `json:"dropped_events"`
	UpdatedAt  time.Time       `json:"updated_at,omitzero"`
}

// Config holds recorder configuration
type Config struct {
	// BufferSize is the number of events queued before new ones are dropped.
	BufferSize int
}

// Recorder aggregates events in a background goroutine.
// HandleEvent never blocks the publisher: when the buffer is full the event
// is dropped and counted.
type Recorder struct {
	buffer  chan events.Event
	done    chan struct{}
	wg      sync.WaitGroup
	writes  sync.WaitGroup // tracks in-flight HandleEvent calls
	closed  atomic.Bool
	dropped atomic.Int64

	mu         sync.RWMutex
	categories map[core.Category]*CategoryStats
	runs       int64
	updatedAt  time.Time
}

var _ events.Subscriber = (*Recorder)(nil)

// NewRecorder creates a recorder and starts its aggregation loop.
func NewRecorder(cfg Config) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}

	r := &Recorder{
		buffer:     make(chan events.Event, cfg.BufferSize),
		done:       make(chan struct{}),
		categories: make(map[core.Category]*CategoryStats, len(core.Categories)),
	}
	for _, c := range core.Categories {
		r.categories[c] = &CategoryStats{Category: c}
	}

	r.wg.Add(1)
	go r.loop()

	return r
}

// HandleEvent queues ev for aggregation.
func (r *Recorder) HandleEvent(ev events.Event) {
	if r.closed.Load() {
		return
	}

	r.writes.Add(1)
	defer r.writes.Done()

	// Close may have run between the first check and Add(1)
	if r.closed.Load() {
		return
	}

	select {
	case r.buffer <- ev:
	default:
		if r.dropped.Add(1) == 1 {
			slog.Warn("monitor buffer full, dropping events", "kind", ev.Kind)
		}
	}
}

// Close stops the loop after applying every queued event.
// Close is idempotent.
func (r *Recorder) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.writes.Wait()
	close(r.done)
	r.wg.Wait()
	return nil
}

func (r *Recorder) loop() {
	defer r.wg.Done()

	for {
		select {
		case ev := <-r.buffer:
			r.apply(ev)
		case <-r.done:
			close(r.buffer)
			for ev := range r.buffer {
				r.apply(ev)
			}
			return
		}
	}
}

func (r *Recorder) apply(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.updatedAt = ev.At
	if ev.Kind == events.KindAcquireFinished {
		r.runs++
		return
	}

	cs, ok := r.categories[ev.Category]
	if !ok {
		return
	}
	cs.LastEventAt = ev.At

	switch ev.Kind {
	case events.KindCategoryStarted:
		cs.Running = true
		cs.Planned += int64(ev.Count)
	case events.KindCategoryFinished:
		cs.Running = false
	case events.KindCacheHits:
		cs.CacheHits += int64(ev.Count)
	case events.KindTaskCompleted:
		cs.Completed++
		cs.Bytes += ev.Bytes
		cs.observe(true)
	case events.KindTaskFailed:
		cs.Failures++
		cs.observe(false)
	case events.KindTaskAbandoned:
		cs.Abandoned++
	case events.KindPoolResized:
		cs.PoolTarget = ev.Size
	case events.KindRateChanged:
		cs.Rate = ev.Rate
	}
}

func (cs *CategoryStats) observe(ok bool) {
	if len(cs.outcomes) < rollingWindow {
		cs.outcomes = append(cs.outcomes, ok)
	} else {
		cs.outcomes[cs.next] = ok
		cs.next = (cs.next + 1) % rollingWindow
	}
	n := 0
	for _, o := range cs.outcomes {
		if o {
			n++
		}
	}
	cs.SuccessRate = float64(n) / float64(len(cs.outcomes))
}

// Snapshot returns a copy of the current aggregates in category order.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{
		Categories: make([]CategoryStats, 0, len(core.Categories)),
		Runs:       r.runs,
		Dropped:    r.dropped.Load(),
		UpdatedAt:  r.updatedAt,
	}
	for _, c := range core.Categories {
		cs := *r.categories[c]
		cs.outcomes = nil
		s.Categories = append(s.Categories, cs)
	}
	return s
}
