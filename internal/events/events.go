// Package events provides the in-process event stream shared by the adaptive
// controllers and the monitoring subscribers.
package events

import (
	"sync"
	"time"

	"guidefetch/internal/core"
)

// Kind identifies an event type.
type Kind string

const (
	KindTaskCompleted    Kind = "task_completed"
	KindTaskFailed       Kind = "task_failed"
	KindTaskAbandoned    Kind = "task_abandoned"
	KindCacheHits        Kind = "cache_hits"
	KindPoolResized      Kind = "pool_resized"
	KindRateChanged      Kind = "rate_changed"
	KindCategoryStarted  Kind = "category_started"
	KindCategoryFinished Kind = "category_finished"
	KindAcquireFinished  Kind = "acquire_finished"
)

// Event is a single observation published on the bus. Fields that do not
// apply to a Kind are left zero.
type Event struct {
	Kind     Kind
	Category core.Category
	At       time.Time

	TaskID   string
	Key      core.Key
	WorkerID int
	Attempt  int
	Latency  time.Duration
	Bytes    int64
	Class    core.ErrorClass
	Err      error

	// Count carries the number of hits for KindCacheHits and the number of
	// tasks for KindCategoryStarted.
	Count int

	// Size and Rate carry the new values for KindPoolResized and KindRateChanged.
	Size int
	Rate float64
	// Reason explains an adjustment.
	Reason string
}

// Subscriber receives events. HandleEvent is called synchronously from the
// publishing goroutine and must not block.
type Subscriber interface {
	HandleEvent(Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(Event)

// HandleEvent calls f(ev).
func (f SubscriberFunc) HandleEvent(ev Event) { f(ev) }

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers in subscription order.
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
	now         func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe registers s for all subsequent events.
func (b *Bus) Subscribe(s Subscriber) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, s)
}

// Publish delivers ev to every subscriber. Subscribers may publish from
// inside HandleEvent.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}

	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, s := range subs {
		s.HandleEvent(ev)
	}
}

// Discard is a Publisher that drops every event.
type Discard struct{}

// Publish does nothing
func (Discard) Publish(Event) {}
