// Package events carries control-plane notifications between components
// and into the audit log. Delivery is best-effort: a slow subscriber
// loses events rather than stalling the scheduler or the shift loop.
package events

import (
	"sync"
	"time"
)

// EventType identifies a control-plane event.
type EventType string

const (
	// EventRunEnqueued is published when the scheduler enqueues a run.
	EventRunEnqueued EventType = "run_enqueued"
	// EventAutopilotPaused is published when a project trips its
	// consecutive-failure limit.
	EventAutopilotPaused EventType = "autopilot_paused"
	// EventShiftStarted is published when a global shift wins the start race.
	EventShiftStarted EventType = "shift_started"
	// EventShiftFinished is published when a shift reaches a terminal state.
	EventShiftFinished EventType = "shift_finished"
	// EventReportDeferred is published when a fleet report is held back by
	// quiet hours or the send cooldown.
	EventReportDeferred EventType = "report_deferred"
	// EventProjectCreated is published after a CREATE_PROJECT action lands.
	EventProjectCreated EventType = "project_created"
)

// Event is one published notification.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber receives events for one type.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe fan-out. Each subscriber gets
// a buffered channel drained by its own goroutine; a full channel drops
// the event for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe
// function. fn runs on its own goroutine; a panic in fn is recovered so
// one bad subscriber cannot take the bus down.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish delivers an event to every subscriber of the type without
// blocking; full subscriber channels drop it.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
