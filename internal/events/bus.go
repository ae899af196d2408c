package events

import (
	"sync"

	"github.com/fabiohfernandes/Matchmaker/pkg/logging"
)

// Kind identifies an event type on the notification bus.
type Kind string

const (
	NodeRegistered       Kind = "nodeRegistered"
	NodeUpdated          Kind = "nodeUpdated"
	NodeUnregistered     Kind = "nodeUnregistered"
	SessionCreated       Kind = "sessionCreated"
	SessionQueued        Kind = "sessionQueued"
	SessionAssigned      Kind = "sessionAssigned"
	SessionStatusChanged Kind = "sessionStatusChanged"
	SessionRemoved       Kind = "sessionRemoved"
	SweepCompleted       Kind = "sweepCompleted"
	HealthChanged        Kind = "healthChanged"
	ServiceUnhealthy     Kind = "serviceUnhealthy"
	RecoveryOk           Kind = "recoveryOk"
	RecoveryFail         Kind = "recoveryFail"
)

// Event is a single notification. Payload fields are set per kind; unused
// fields stay zero.
type Event struct {
	Kind      Kind
	NodeID    string
	SessionID string
	ClientID  string

	// Sweep payload
	Removed int

	// Health payload
	CheckName string
	NewStatus string
	OldStatus string

	// Kind-specific extra data (assignment target, error detail)
	Data map[string]interface{}
}

// Handler consumes events. Handlers run synchronously with the mutation
// that produced the event and must not call back into the engine.
type Handler func(Event)

// Bus is a typed in-process pub/sub surface. Delivery is best-effort and
// in event order; a panicking subscriber is logged and never propagates.
type Bus struct {
	logger logging.Logger

	mu       sync.RWMutex
	byKind   map[Kind][]Handler
	catchAll []Handler
}

// NewBus creates an empty notification bus.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{
		logger: logger,
		byKind: make(map[Kind][]Handler),
	}
}

// Subscribe registers a handler for the given kinds.
func (b *Bus) Subscribe(handler Handler, kinds ...Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, kind := range kinds {
		b.byKind[kind] = append(b.byKind[kind], handler)
	}
}

// SubscribeAll registers a handler for every event kind.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catchAll = append(b.catchAll, handler)
}

// Publish delivers the event on the caller's goroutine: first to the
// subscribers of its kind, then to the catch-all subscribers, each group
// in registration order.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byKind[event.Kind])+len(b.catchAll))
	handlers = append(handlers, b.byKind[event.Kind]...)
	handlers = append(handlers, b.catchAll...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.deliver(handler, event)
	}
}

func (b *Bus) deliver(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.WithFields(logging.Fields{
					"event": event.Kind,
					"panic": r,
				}).Error("Event subscriber panicked")
			}
		}
	}()
	handler(event)
}
