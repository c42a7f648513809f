// Package eventbus fans system events out to in-process subscribers.
//
// Publishing never blocks: each subscriber owns a bounded buffer, and when
// a slow subscriber falls behind its oldest pending event is dropped to
// make room. Consumers that need a complete record read the system_events
// table instead.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rerollkit/packtrack/internal/types"
)

// DefaultBufferSize is the per-subscriber buffer when none is given.
const DefaultBufferSize = 1024

// Subscription is a live route on the bus. Events arrive on C until
// Unsubscribe is called with the subscription's ID, after which C is
// closed.
type Subscription struct {
	ID uuid.UUID
	C  <-chan types.BusEvent

	ch     chan types.BusEvent
	filter map[types.EventType]struct{}
}

func (s *Subscription) wants(t types.EventType) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[t]
	return ok
}

// DropFunc observes an eviction: the event discarded from a lagging
// subscriber's buffer and the incoming event that displaced it. Called
// outside the bus lock; the hook must not block for long and must not
// publish back onto the bus.
type DropFunc func(subID uuid.UUID, dropped, incoming types.BusEvent)

// Bus is the in-process emission bus.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uuid.UUID]*Subscription
	size    int
	log     *slog.Logger
	closed  bool
	onDrop  DropFunc
	dropped atomic.Uint64
}

// New creates a bus with the given per-subscriber buffer size; size <= 0
// selects DefaultBufferSize.
func New(size int, log *slog.Logger) *Bus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subs: make(map[uuid.UUID]*Subscription),
		size: size,
		log:  log,
	}
}

// Subscribe registers a new route. With no types given, the subscriber
// receives every event; otherwise only the listed types.
func (b *Bus) Subscribe(eventTypes ...types.EventType) *Subscription {
	sub := &Subscription{
		ID: uuid.New(),
		ch: make(chan types.BusEvent, b.size),
	}
	sub.C = sub.ch
	if len(eventTypes) > 0 {
		sub.filter = make(map[types.EventType]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			sub.filter[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes the route and closes its channel. Unknown IDs are a
// no-op so teardown paths can call it unconditionally.
func (b *Bus) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// SetOnDrop installs the eviction hook. Pass nil to remove it.
func (b *Bus) SetOnDrop(fn DropFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

type eviction struct {
	sub     uuid.UUID
	dropped types.BusEvent
}

// Publish delivers ev to every matching subscriber without blocking. A
// full subscriber has its oldest pending event discarded to admit the new
// one; each eviction is reported through the drop hook.
func (b *Bus) Publish(ev types.BusEvent) {
	var evictions []eviction
	var onDrop DropFunc

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	onDrop = b.onDrop
	for _, sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Buffer full: evict the oldest, then retry once. A concurrent
		// reader may have drained in between, so both selects stay
		// non-blocking.
		select {
		case dropped := <-sub.ch:
			b.dropped.Add(1)
			b.log.Warn("event bus subscriber lagging, dropped oldest event",
				"subscription", sub.ID,
				"dropped_type", dropped.Type,
				"incoming_type", ev.Type)
			evictions = append(evictions, eviction{sub: sub.ID, dropped: dropped})
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
	b.mu.RUnlock()

	// The hook runs unlocked so it may touch storage without holding up
	// other publishers.
	if onDrop != nil {
		for _, e := range evictions {
			onDrop(e.sub, e.dropped, ev)
		}
	}
}

// Subscribers reports the number of live routes.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports the total number of events discarded because a
// subscriber lagged.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts the bus down: all subscriber channels are closed and further
// publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
