package events

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus(nil)
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskStartedEvent{
		ID:        "task-1",
		Name:      "Optimize a.go",
		Category:  "optimization",
		Timestamp: time.Now(),
	})

	select {
	case received := <-ch:
		if received.TaskID() != "task-1" {
			t.Errorf("expected task ID 'task-1', got '%s'", received.TaskID())
		}
		if received.EventType() != EventTypeTaskStarted {
			t.Errorf("expected event type '%s', got '%s'", EventTypeTaskStarted, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus(nil)
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskFailedEvent{ID: "task-2", Err: errors.New("validation failed"), Timestamp: time.Now()})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.TaskID() != "task-2" {
				t.Errorf("subscriber %d: expected task ID 'task-2', got '%s'", i+1, received.TaskID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestNonBlockingSend verifies that publishing doesn't block when channels are full.
func TestNonBlockingSend(t *testing.T) {
	registry := prometheus.NewRegistry()
	bus := NewEventBus(registry)
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicTask, TaskQueuedEvent{ID: "task", Timestamp: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	select {
	case received := <-ch:
		if received == nil {
			t.Error("received nil event")
		}
	default:
		t.Error("expected one event in buffer")
	}

	published := testutil.ToFloat64(bus.metrics.published.WithLabelValues(EventTypeTaskQueued))
	dropped := testutil.ToFloat64(bus.metrics.dropped.WithLabelValues(EventTypeTaskQueued))
	if published != 10 || dropped != 9 {
		t.Errorf("published=%v dropped=%v, want 10/9", published, dropped)
	}
}

// TestCloseSignalsSubscribers verifies that closing the bus closes subscriber channels.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus(nil)
	ch := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	for range ch {
		t.Error("unexpected event on closed topic channel")
	}
	for range all {
		t.Error("unexpected event on closed all-topic channel")
	}

	late := bus.Subscribe(TopicTask, 1)
	if _, ok := <-late; ok {
		t.Error("subscription after close should be closed")
	}
}

// TestPublishAfterClose verifies publishing after close doesn't panic.
func TestPublishAfterClose(t *testing.T) {
	bus := NewEventBus(nil)
	bus.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()
	bus.Publish(TopicTask, TaskQueuedEvent{ID: "task-1"})

	var nilBus *EventBus
	nilBus.Publish(TopicTask, TaskQueuedEvent{ID: "task-1"})
}

// TestTopicIsolationAndSubscribeAll verifies topic routing.
func TestTopicIsolationAndSubscribeAll(t *testing.T) {
	bus := NewEventBus(nil)
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	cycleCh := bus.Subscribe(TopicCycle, 10)
	allCh := bus.SubscribeAll(10)

	bus.Publish(TopicTask, TaskCancelledEvent{ID: "task-1", WasQueued: true})
	bus.Publish(TopicCycle, CycleProgressEvent{Queued: 3, Running: 1})

	expect := func(name string, ch <-chan Event, want string) {
		t.Helper()
		select {
		case got := <-ch:
			if got.EventType() != want {
				t.Errorf("%s: got %s, want %s", name, got.EventType(), want)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("%s: timeout waiting for %s", name, want)
		}
	}

	expect("task", taskCh, EventTypeTaskCancelled)
	expect("cycle", cycleCh, EventTypeCycleProgress)
	expect("all", allCh, EventTypeTaskCancelled)
	expect("all", allCh, EventTypeCycleProgress)

	select {
	case ev := <-taskCh:
		t.Errorf("task channel received unexpected %s", ev.EventType())
	case <-time.After(10 * time.Millisecond):
	}
}

// TestUnsubscribe verifies an unsubscribed channel is closed and skipped while others keep receiving.
func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus(nil)
	defer bus.Close()

	gone := bus.SubscribeAll(4)
	kept := bus.Subscribe(TopicTask, 4)

	bus.Unsubscribe(gone)
	bus.Unsubscribe(gone)
	bus.Publish(TopicTask, TaskStartedEvent{ID: "task-1"})

	if _, ok := <-gone; ok {
		t.Error("unsubscribed channel still open")
	}
	select {
	case ev := <-kept:
		if ev.TaskID() != "task-1" {
			t.Errorf("got %s, want task-1", ev.TaskID())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("remaining subscriber missed the event")
	}
}
