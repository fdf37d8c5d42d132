package events

import (
	"sync"
	"time"
)

// Event types published by the reservation lifecycle.
const (
	TypeTransition = "reservation.transition"
	TypeCreated    = "reservation.created"
	TypeActivated  = "reservation.activated"
	TypeCancelled  = "reservation.cancelled"
	TypeFailed     = "reservation.failed"
	TypeSnapshot   = "canteen.snapshot"
)

// Event is a lightweight domain event.
type Event struct {
	Type          string
	TableID       string
	ReservationID string
	CanteenID     string
	From          string
	To            string
	Err           error
	CreatedAt     time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type. A nil bus drops the event.
func (b *EventBus) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}
