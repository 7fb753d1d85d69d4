// Package buffer provides the bounded queue behind every consumer sequence.
package buffer

import (
	"context"
	"errors"
	"sync"

	"github.com/gammazero/deque"
)

// ErrClosed is returned by Receive once a buffer closed with Close is drained.
var ErrClosed = errors.New("buffer closed")

// Ring is a thread-safe bounded FIFO. When full, Push evicts the oldest item
// so the producer never blocks.
type Ring[T any] struct {
	mu       sync.Mutex
	q        deque.Deque[T]
	capacity int
	closed   bool
	err      error

	notify chan struct{} // one pending wakeup
	done   chan struct{} // closed on Close

	// Stats
	totalReceived uint64
	totalSent     uint64
	dropped       uint64
}

// NewRing creates a buffer holding at most capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push appends an item, evicting the oldest one if the buffer is full.
// Returns false if the buffer is closed.
func (b *Ring[T]) Push(item T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}

	if b.q.Len() >= b.capacity {
		b.q.PopFront()
		b.dropped++
	}
	b.q.PushBack(item)
	b.totalReceived++
	b.mu.Unlock()

	b.wake()
	return true
}

// Receive removes and returns the oldest item, blocking until one is
// available, the buffer is closed and drained, or ctx is done.
// After close it returns the close error (ErrClosed for Close).
func (b *Ring[T]) Receive(ctx context.Context) (T, error) {
	for {
		b.mu.Lock()
		if b.q.Len() > 0 {
			item := b.q.PopFront()
			b.totalSent++
			more := b.q.Len() > 0
			b.mu.Unlock()
			if more {
				b.wake()
			}
			return item, nil
		}
		if b.closed {
			err := b.err
			b.mu.Unlock()
			var zero T
			return zero, err
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-b.done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryReceive returns the oldest item without blocking.
func (b *Ring[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.q.Len() == 0 {
		var zero T
		return zero, false
	}
	b.totalSent++
	return b.q.PopFront(), true
}

// Close closes the buffer. Receivers get the remaining items, then ErrClosed.
func (b *Ring[T]) Close() {
	b.CloseWithError(nil)
}

// CloseWithError closes the buffer so that receivers get err once it is
// drained. Only the first close takes effect.
func (b *Ring[T]) CloseWithError(err error) {
	if err == nil {
		err = ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	close(b.done)
}

// Done is closed when the buffer is closed.
func (b *Ring[T]) Done() <-chan struct{} {
	return b.done
}

// Err returns the close error, or nil while the buffer is open.
func (b *Ring[T]) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Len returns the current number of items in the buffer.
func (b *Ring[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Len()
}

// Cap returns the buffer's capacity.
func (b *Ring[T]) Cap() int {
	return b.capacity
}

// Dropped returns the number of items evicted by Push.
func (b *Ring[T]) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Stats returns buffer statistics.
func (b *Ring[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Count:         b.q.Len(),
		Capacity:      b.capacity,
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		Dropped:       b.dropped,
	}
}

// Stats contains buffer statistics.
type Stats struct {
	Count         int
	Capacity      int
	TotalReceived uint64
	TotalSent     uint64
	Dropped       uint64
}

func (b *Ring[T]) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
