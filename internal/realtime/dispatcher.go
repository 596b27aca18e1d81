// Package realtime implements the in-process change-notification fan-out that
// backs live subscriptions: a standing subscription receives every message
// published for its key until the subscriber cancels.
package realtime

import (
	"context"
	"sync"
)

const defaultBufferSize = 16

// Dispatcher fans messages out to subscribers grouped by key. Slow subscribers
// never block publishers; messages that do not fit the subscriber buffer are
// dropped.
type Dispatcher[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber[T]
	nextID      int64
	bufferSize  int
}

type subscriber[T any] struct {
	id     int64
	stream chan T
	done   chan struct{}
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher[T any]() *Dispatcher[T] {
	return &Dispatcher[T]{
		subscribers: make(map[string]map[int64]*subscriber[T]),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a standing subscription for the given key. The returned
// cancel function releases the subscription; it is also released when ctx is
// done. Releasing the subscription closes its stream after any buffered
// messages are drained, so consumers observe the release as a channel close.
// Cancelling twice is harmless.
func (d *Dispatcher[T]) Subscribe(ctx context.Context, key string) (<-chan T, func()) {
	if key == "" {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber[T]{
		id:     d.nextSequence(),
		stream: make(chan T, d.bufferSize),
		done:   make(chan struct{}),
	}
	d.register(key, sub)
	cancel := func() {
		d.unregister(key, sub.id)
	}
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-sub.done:
			}
		}()
	}
	return sub.stream, cancel
}

// Publish delivers the message to every subscriber registered for the key.
func (d *Dispatcher[T]) Publish(key string, message T) {
	if key == "" {
		return
	}
	// The non-blocking sends happen under the read lock so a concurrent
	// unregister (which closes the stream under the write lock) can never
	// race a send on a closed channel.
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers[key] {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscriptions for the key.
func (d *Dispatcher[T]) SubscriberCount(key string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[key])
}

func (d *Dispatcher[T]) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher[T]) register(key string, sub *subscriber[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]*subscriber[T])
	}
	d.subscribers[key][sub.id] = sub
}

func (d *Dispatcher[T]) unregister(key string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.subscribers[key]
	sub, ok := subs[subscriberID]
	if !ok {
		return
	}
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(d.subscribers, key)
	}
	close(sub.done)
	close(sub.stream)
}
