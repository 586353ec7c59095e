// Package events carries task and cycle lifecycle notifications to the TUI,
// the persistence recorder and any other observer.
package events

import (
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultBufSize = 256

// anyTopic marks a subscriber that receives every topic.
const anyTopic = ""

type subscriber struct {
	topic string
	ch    chan Event
}

// EventBus fans published events out to buffered subscriber channels.
// Delivery is best-effort: a full buffer drops the event for that subscriber only.
type EventBus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	closed  bool
	metrics *busMetrics
}

// NewEventBus creates a new event bus. A nil registry disables metrics.
func NewEventBus(registry *prometheus.Registry) *EventBus {
	return &EventBus{metrics: newBusMetrics(registry)}
}

// Subscribe returns a channel receiving events published to topic.
// bufSize defaults to 256 if <= 0.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.add(topic, bufSize)
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.add(anyTopic, bufSize)
}

func (b *EventBus) add(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	sub := &subscriber{topic: topic, ch: make(chan Event, bufSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
	} else {
		b.subs = append(b.subs, sub)
	}
	return sub.ch
}

// Unsubscribe stops delivery to ch and closes it. Unknown channels are ignored.
func (b *EventBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.IndexFunc(b.subs, func(s *subscriber) bool { return (<-chan Event)(s.ch) == ch })
	if i < 0 {
		return
	}
	close(b.subs[i].ch)
	b.subs = slices.Delete(b.subs, i, i+1)
}

// Publish delivers event without blocking. Publishing on a nil or closed bus is a no-op.
func (b *EventBus) Publish(topic string, event Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	b.metrics.incPublished(event.EventType())
	for _, sub := range b.subs {
		if sub.topic != anyTopic && sub.topic != topic {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.metrics.incDropped(event.EventType())
		}
	}
}

// Close closes the bus and every subscriber channel. Safe to call multiple times.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
