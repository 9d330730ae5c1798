package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Get once the queue is closed and drained and by
// Put after Close
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO safe for concurrent producers and consumers.
// Closing the queue is a signal that no more items will be added, the
// consumers still get all items put before Close.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{} // holds a token while items may be available
	done   chan struct{} // closed by Close
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Put appends an item. It never blocks.
func (q *Queue[T]) Put(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, item)
	q.signal()
	return nil
}

// Close marks the queue complete. It is safe to call Close more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Get removes and returns the oldest item. It blocks until an item is
// available, the queue is closed and empty (ErrClosed) or the context is
// done (ctx.Err()).
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		// emptiness and the closed flag must be read under the same lock
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return zero, ErrClosed
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of items waiting in the queue
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// signal must be called with q.mu held
func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
