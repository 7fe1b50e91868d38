// Package bus is the in-process event channel between the transport
// adapter, the reconciliation engine, and any UI surface. Subscribers
// filter by kind prefix, so each consumer sees only its namespace.
package bus

import (
	"strings"
	"sync"
)

type subscriber struct {
	id     uint64
	prefix string
	ch     chan Event
}

// Bus fans events out to prefix-matched subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
// Delivery is non-blocking: a subscriber with a full buffer misses the
// event rather than stalling the publisher, so buffers must be sized for
// the consumer's burst tolerance.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if strings.HasPrefix(evt.Kind, s.prefix) {
			select {
			case s.ch <- evt:
			default:
			}
		}
	}
}

// Subscribe registers interest in event kinds starting with prefix and
// returns the receive channel plus an unsubscribe function. An empty prefix
// receives everything.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscriber{id: id, prefix: prefix, ch: ch})
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}
