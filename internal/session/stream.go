package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rickgao/marketstream/internal/buffer"
	"github.com/rickgao/marketstream/internal/model"
)

// ErrStreamClosed is returned by Next once a stream closed with Close is drained.
var ErrStreamClosed = buffer.ErrClosed

// Stream is one consumer's sequence of values.
type Stream[T any] struct {
	ring    *buffer.Ring[T]
	onClose func()

	closeOnce  sync.Once
	eventsOnce sync.Once
	events     chan T
	ctx        context.Context
	cancel     context.CancelFunc
}

func newStream[T any](capacity int, onClose func()) *Stream[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream[T]{
		ring:    buffer.NewRing[T](capacity),
		onClose: onClose,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Next blocks for the next value. After the stream ends it returns the
// terminal error: ErrStreamClosed for Close, a *model.SubscriptionRejectedError,
// model.ErrReconnectBudgetExhausted or model.ErrSessionClosed.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	return s.ring.Receive(ctx)
}

// Events returns a channel carrying the stream's values. It is closed when
// the stream ends; Err then reports why.
func (s *Stream[T]) Events() <-chan T {
	s.eventsOnce.Do(func() {
		s.events = make(chan T)
		go s.pump()
	})
	return s.events
}

// Err returns the terminal error, or nil while open or after Close.
func (s *Stream[T]) Err() error {
	err := s.ring.Err()
	if errors.Is(err, buffer.ErrClosed) {
		return nil
	}
	return err
}

// Done is closed when the stream ends.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.ring.Done()
}

// Dropped returns how many values were evicted because the consumer lagged.
func (s *Stream[T]) Dropped() uint64 {
	return s.ring.Dropped()
}

// Len returns the number of buffered values.
func (s *Stream[T]) Len() int {
	return s.ring.Len()
}

// Close detaches the stream. It is safe to call more than once.
func (s *Stream[T]) Close() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		s.ring.Close()
		s.cancel()
	})
}

func (s *Stream[T]) fail(err error) {
	s.ring.CloseWithError(err)
}

func (s *Stream[T]) pump() {
	defer close(s.events)
	for {
		v, err := s.ring.Receive(s.ctx)
		if err != nil {
			return
		}
		select {
		case s.events <- v:
		case <-s.ctx.Done():
			return
		}
	}
}

// consumer adapts a Stream to the registry's Consumer.
type consumer[T any] struct {
	stream  *Stream[T]
	convert func(model.Event) (T, bool)
}

func (c *consumer[T]) Deliver(ev model.Event) bool {
	v, ok := c.convert(ev)
	if !ok {
		return false
	}
	before := c.stream.ring.Dropped()
	c.stream.ring.Push(v)
	return c.stream.ring.Dropped() > before
}

func (c *consumer[T]) Fail(err error) {
	c.stream.fail(err)
}
