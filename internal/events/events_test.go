package events

import (
	"testing"

	"guidefetch/internal/core"
)

func TestBus_PublishOrderAndTimestamp(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.Subscribe(SubscriberFunc(func(ev Event) {
		if ev.At.IsZero() {
			t.Error("expected At to be stamped")
		}
		order = append(order, "first")
	}))
	bus.Subscribe(SubscriberFunc(func(Event) { order = append(order, "second") }))
	bus.Subscribe(nil)

	bus.Publish(Event{Kind: KindTaskCompleted, Category: core.CategoryBlock})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected delivery order: %v", order)
	}
}

func TestBus_ReentrantPublish(t *testing.T) {
	bus := NewBus()

	var resized int
	bus.Subscribe(SubscriberFunc(func(ev Event) {
		switch ev.Kind {
		case KindTaskFailed:
			bus.Publish(Event{Kind: KindPoolResized, Size: 1})
		case KindPoolResized:
			resized = ev.Size
		}
	}))

	bus.Publish(Event{Kind: KindTaskFailed, Class: core.ErrorClassBlocked})

	if resized != 1 {
		t.Fatalf("nested publish not delivered, resized = %d", resized)
	}
}

func TestDiscard(t *testing.T) {
	var p Publisher = Discard{}
	p.Publish(Event{Kind: KindAcquireFinished})
}
