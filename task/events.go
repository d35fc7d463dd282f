package task

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType classifies lifecycle events.
type EventType string

const (
	EventTransition EventType = "task_transition"
	EventCancelled  EventType = "task_cancelled"
	EventRetried    EventType = "task_retried"
)

// subscriptionCounter generates unique subscription IDs; an atomic counter
// avoids collisions under concurrent Subscribe calls.
var subscriptionCounter int64

// Event is one lifecycle occurrence.
type Event interface {
	Timestamp() time.Time
	Type() EventType
}

// EventHandler consumes events.
type EventHandler func(Event)

// EventBus distributes lifecycle events to subscribers.
type EventBus interface {
	Publish(event Event)
	Subscribe(eventType EventType, handler EventHandler) string
	Unsubscribe(subscriptionID string)
	// Dropped reports events discarded because the buffer was full.
	Dropped() int64
	Stop()
}

// SimpleEventBus is a buffered asynchronous event bus. Publishing never
// blocks a lifecycle transition; a full buffer drops the event and counts it.
type SimpleEventBus struct {
	mu           sync.RWMutex
	handlers     map[EventType]map[string]EventHandler
	eventChannel chan Event
	done         chan struct{}
	stopOnce     sync.Once
	dropped      atomic.Int64
	logger       *zap.Logger
}

// NewEventBus creates an event bus with the given buffer size.
// A non-positive size falls back to 256.
func NewEventBus(buffer int, logger *zap.Logger) EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	bus := &SimpleEventBus{
		handlers:     make(map[EventType]map[string]EventHandler),
		eventChannel: make(chan Event, buffer),
		done:         make(chan struct{}),
		logger:       logger.With(zap.String("component", "task_events")),
	}
	go bus.processEvents()
	return bus
}

// Publish delivers an event to subscribers without blocking.
func (b *SimpleEventBus) Publish(event Event) {
	select {
	case b.eventChannel <- event:
	case <-b.done:
	default:
		b.dropped.Add(1)
	}
}

// Subscribe registers a handler for an event type.
func (b *SimpleEventBus) Subscribe(eventType EventType, handler EventHandler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]EventHandler)
	}

	id := fmt.Sprintf("%s-%d", eventType, atomic.AddInt64(&subscriptionCounter, 1))
	b.handlers[eventType][id] = handler
	return id
}

// Unsubscribe removes a handler.
func (b *SimpleEventBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, handlers := range b.handlers {
		if _, ok := handlers[subscriptionID]; ok {
			delete(handlers, subscriptionID)
			if len(handlers) == 0 {
				delete(b.handlers, eventType)
			}
			return
		}
	}
}

// Dropped reports how many events were discarded on a full buffer.
func (b *SimpleEventBus) Dropped() int64 {
	return b.dropped.Load()
}

// processEvents fans events out to handlers, isolating panics.
func (b *SimpleEventBus) processEvents() {
	for {
		select {
		case event := <-b.eventChannel:
			b.mu.RLock()
			src := b.handlers[event.Type()]
			handlers := make([]EventHandler, 0, len(src))
			for _, h := range src {
				handlers = append(handlers, h)
			}
			b.mu.RUnlock()

			for _, handler := range handlers {
				h := handler
				go func() {
					defer func() {
						if r := recover(); r != nil {
							b.logger.Error("event handler panicked", zap.Any("recover", r))
						}
					}()
					h(event)
				}()
			}
		case <-b.done:
			return
		}
	}
}

// Stop shuts the bus down.
func (b *SimpleEventBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}

// TransitionEvent records one lifecycle transition. From is empty when the
// task was just submitted.
type TransitionEvent struct {
	TaskID_    string
	From       Status
	To         Status
	AgentID    string
	Timestamp_ time.Time
}

func (e *TransitionEvent) Timestamp() time.Time { return e.Timestamp_ }
func (e *TransitionEvent) Type() EventType      { return EventTransition }

// CancelledEvent records removal of a task that never started executing.
type CancelledEvent struct {
	TaskID_    string
	LastStatus Status
	Timestamp_ time.Time
}

func (e *CancelledEvent) Timestamp() time.Time { return e.Timestamp_ }
func (e *CancelledEvent) Type() EventType      { return EventCancelled }

// RetriedEvent records a failed task being re-submitted as a fresh one.
type RetriedEvent struct {
	FailedID   string
	FreshID    string
	Attempt    int
	Timestamp_ time.Time
}

func (e *RetriedEvent) Timestamp() time.Time { return e.Timestamp_ }
func (e *RetriedEvent) Type() EventType      { return EventRetried }
