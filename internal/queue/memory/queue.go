// Package memory provides the bounded in-memory queue that carries page
// outcomes from concurrent producers to the single aggregating consumer.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned when sending on, or draining, a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded multi-producer, single-consumer queue with
// context-aware operations.
type Queue[T any] struct {
	ch      chan T
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		ch: make(chan T, capacity),
	}
}

// Enqueue pushes an item, blocking while the queue is full. It returns
// ErrClosed if the queue has been closed and a wrapped context error if ctx
// ends first.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item. Once the queue is closed and drained it
// returns ErrClosed.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return item, nil
	}
}

// Drain calls fn for every item until the queue is closed and empty. It
// never blocks on a context, so it always ends once every producer has
// returned and Close has been called.
func (q *Queue[T]) Drain(fn func(T)) int {
	n := 0
	for item := range q.ch {
		fn(item)
		n++
	}
	return n
}

// Close closes the underlying channel. It waits for in-progress Enqueue
// calls to finish and is safe to call more than once.
func (q *Queue[T]) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}
