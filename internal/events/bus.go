// Package events provides a non-blocking publish/subscribe bus for
// workflow lifecycle events.
package events

import (
	"sync"
	"time"
)

// EventType identifies a workflow lifecycle event.
type EventType string

const (
	// EventAttemptStarted is published when a new attempt is stored.
	EventAttemptStarted EventType = "attempt_started"
	// EventAttemptFinished is published when an attempt is archived.
	EventAttemptFinished EventType = "attempt_finished"
	// EventTaskFinished is published when a task reaches a terminal state.
	EventTaskFinished EventType = "task_finished"
	// EventExecutorRecovered is published when an executor step panicked
	// and the loop recovered.
	EventExecutorRecovered EventType = "executor_recovered"
)

// Event is a single published event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber receives events, one at a time, on a dedicated goroutine.
type Subscriber func(Event)

// Bus delivers events asynchronously through buffered channels. A slow
// subscriber drops events instead of blocking publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				// a panicking subscriber must not take the bus down
				defer func() { recover() }()
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

// Publish sends an event to all subscribers of eventType without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
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
