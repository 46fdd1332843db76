// Package bus implements a minimal synchronous publish/subscribe bus used to
// surface sync lifecycle events to interested parties (CLI output, the
// diagnostics endpoint, tests). Delivery is in registration order on the
// publisher's goroutine; a panicking subscriber is recovered and logged so it
// cannot break other subscribers or the publisher.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
)

// Handler receives the payload published on a topic.
type Handler func(payload any)

// Subscription identifies a registered handler so it can be removed later.
type Subscription struct {
	topic string
	id    int
}

type entry struct {
	id int
	fn Handler
}

// Bus is safe for concurrent use. The zero value is not usable; use New.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[string][]entry
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[string][]entry),
	}
}

// Subscribe registers fn for a topic and returns a handle for Unsubscribe.
// Handlers registered while a publish is in flight do not receive that event.
func (b *Bus) Subscribe(topic string, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[topic] = append(b.subs[topic], entry{id: b.nextID, fn: fn})

	return Subscription{topic: topic, id: b.nextID}
}

// Unsubscribe removes a previously registered handler. Unsubscribing twice,
// or with a zero Subscription, is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.subs[sub.topic]
	for i := range entries {
		if entries[i].id == sub.id {
			b.subs[sub.topic] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to every subscriber of topic, synchronously and in
// registration order. Subscribers run outside the bus lock, so a handler may
// subscribe or unsubscribe without deadlocking.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	entries := make([]entry, len(b.subs[topic]))
	copy(entries, b.subs[topic])
	b.mu.RUnlock()

	for _, e := range entries {
		b.invoke(topic, e, payload)
	}
}

func (b *Bus) invoke(topic string, e entry, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				slog.String("topic", topic),
				slog.Int("subscriber", e.id),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	e.fn(payload)
}
