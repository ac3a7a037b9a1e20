// Package bus provides the in-process publish/subscribe dispatcher used to
// fan inbound transport events out to local state.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is a tagged payload delivered to subscribers.
type Event struct {
	Name      string
	Payload   interface{}
	Timestamp time.Time
}

// Handler receives events. Handlers run synchronously on the emitter's
// goroutine, in registration order; a panicking handler is isolated and
// logged without affecting later handlers.
type Handler func(Event)

// Subscription is the handle returned by On, used to unsubscribe.
type Subscription struct {
	event string
	id    uint64
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus is a volatile in-memory event bus. Delivery is synchronous and
// ordered; nothing survives a process restart.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[string][]subscriber
	nextID uint64
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[string][]subscriber),
	}
}

// On registers a handler for an event name. Handlers fire in the order
// they were registered.
func (b *Bus) On(event string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[event] = append(b.subs[event], subscriber{id: b.nextID, handler: handler})
	return &Subscription{event: event, id: b.nextID}
}

// Off removes a previously registered handler. Unknown subscriptions are
// ignored.
func (b *Bus) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.event]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to every subscriber of the name, synchronously
// and in registration order. A handler panic is recovered and logged so
// remaining handlers still run.
func (b *Bus) Emit(event string, payload interface{}) {
	b.mu.RLock()
	handlers := make([]subscriber, len(b.subs[event]))
	copy(handlers, b.subs[event])
	b.mu.RUnlock()

	evt := Event{Name: event, Payload: payload, Timestamp: time.Now()}
	for _, s := range handlers {
		b.dispatch(s, evt)
	}
}

func (b *Bus) dispatch(s subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				zap.String("event", evt.Name),
				zap.Any("recover", r))
		}
	}()
	s.handler(evt)
}

// SubscriberCount returns the number of handlers registered for an event.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}
