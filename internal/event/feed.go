// Package event provides the broadcast feed a root publishes settle
// notifications on. Subscribers receive on a buffered channel and hold an
// explicit cancel handle; registration is never implicit or finalizer-based.
package event

import (
	"sync"

	"vigil/internal/metrics"
)

const defaultSubscriberBufferSize = 16

type FeedOptions struct {
	Name                 string
	SubscriberBufferSize int
	Registry             *metrics.Registry
}

// Feed is a fan-out broadcast channel for values of type T.
type Feed[T any] struct {
	mu          sync.Mutex
	subscribers map[uint64]chan T
	nextID      uint64
	closed      bool
	closeOnce   sync.Once
	options     FeedOptions
	registry    *metrics.Registry
}

func NewFeed[T any](options FeedOptions) *Feed[T] {
	if options.SubscriberBufferSize <= 0 {
		options.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}
	return &Feed[T]{
		subscribers: make(map[uint64]chan T),
		options:     options,
		registry:    registry,
	}
}

// Subscribe registers a listener and returns its channel together with a
// cancel handle that deterministically removes the registration.
func (f *Feed[T]) Subscribe() (<-chan T, func()) {
	if f == nil {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan T, f.options.SubscriberBufferSize)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.nextID++
	id := f.nextID
	f.subscribers[id] = ch
	f.mu.Unlock()

	return ch, func() {
		f.remove(id)
	}
}

// Publish broadcasts value to every subscriber without blocking. A
// subscriber whose buffer is full misses the value; settle notifications
// are level-triggered, so a later one carries the same information.
func (f *Feed[T]) Publish(value T) {
	if f == nil {
		return
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	subscribers := make([]chan T, 0, len(f.subscribers))
	for _, ch := range f.subscribers {
		subscribers = append(subscribers, ch)
	}
	f.mu.Unlock()

	f.registry.IncFeedPublished()
	for _, ch := range subscribers {
		if !f.safeSend(ch, value) {
			f.registry.IncFeedDropped()
		}
	}
}

// safeSend attempts a non-blocking send. A subscriber's cancel handle may
// close its channel between the snapshot and the send; the recover turns
// that race into an ordinary drop.
func (f *Feed[T]) safeSend(ch chan T, value T) (delivered bool) {
	defer func() {
		if recover() != nil {
			delivered = false
		}
	}()
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}

func (f *Feed[T]) Close() {
	if f == nil {
		return
	}
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		subscribers := f.subscribers
		f.subscribers = make(map[uint64]chan T)
		f.mu.Unlock()

		for _, ch := range subscribers {
			close(ch)
		}
	})
}

func (f *Feed[T]) SubscriberCount() int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

func (f *Feed[T]) remove(id uint64) {
	f.mu.Lock()
	ch, ok := f.subscribers[id]
	if ok {
		delete(f.subscribers, id)
	}
	f.mu.Unlock()

	if ok {
		close(ch)
	}
}
