package pipeline

import (
	"sync"
)

// EventBus fans events out to channel subscribers.
// Sends never block; a subscriber whose buffer is full misses that event.
type EventBus[T any] struct {
	subscribers map[chan T]struct{}
	mu          sync.RWMutex
	closed      bool
}

// NewEventBus creates a new event bus
func NewEventBus[T any]() *EventBus[T] {
	return &EventBus[T]{
		subscribers: make(map[chan T]struct{}),
	}
}

// Subscribe returns a channel that receives events and an unsubscribe
// function. The channel is closed on unsubscribe or Close.
func (b *EventBus[T]) Subscribe(bufferSize int) (<-chan T, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan T, bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish delivers ev to every subscriber without blocking
func (b *EventBus[T]) Publish(ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber too slow, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes their channels
func (b *EventBus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}

// snapshotPublisher adapts a snapshot bus to SnapshotHandler
type snapshotPublisher struct {
	bus *EventBus[Snapshot]
}

func (s snapshotPublisher) OnSnapshot(snap Snapshot) {
	s.bus.Publish(snap)
}
