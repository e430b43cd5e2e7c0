package ws

import (
	"encoding/json"
	"sync"
)

// EventKind enumerates the connection-level events the manager emits.
// Handlers attach to a concrete kind, so subscribing to an unknown event is
// a compile-time error rather than a silent no-op.
type EventKind int

const (
	EventConnecting EventKind = iota
	EventConnected
	EventDisconnected
	EventError
	EventPublication
)

func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventPublication:
		return "publication"
	default:
		return "unknown"
	}
}

// Event is delivered to handlers registered via On. Channel, Data and Offset
// are set for publications; Err is set for error events.
type Event struct {
	Kind    EventKind
	Err     error
	Channel string
	Data    json.RawMessage
	Offset  uint64
}

type Handler func(Event)

// HandlerID identifies a registered handler so it can be removed with Off
type HandlerID int64

type eventBus struct {
	mu       sync.RWMutex
	nextID   HandlerID
	handlers map[EventKind]map[HandlerID]Handler
}

func newEventBus() *eventBus {
	return &eventBus{
		handlers: make(map[EventKind]map[HandlerID]Handler),
	}
}

func (b *eventBus) on(kind EventKind, h Handler) HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[HandlerID]Handler)
	}
	b.handlers[kind][id] = h
	return id
}

func (b *eventBus) off(kind EventKind, id HandlerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[kind], id)
}

// emit dispatches synchronously. The handler list is copied so handlers may
// register or remove handlers from within a callback.
func (b *eventBus) emit(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[ev.Kind]))
	for _, h := range b.handlers[ev.Kind] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
