package event

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Send and Listen once Close was called.
var ErrQueueClosed = errors.New("event queue closed")

// Queue is the merged, ordered event stream. Any number of goroutines may
// send; one consumer listens.
type Queue struct {
	events chan Event
	closed chan struct{}
	once   sync.Once
}

// NewQueue creates a queue that buffers up to size events.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		events: make(chan Event, size),
		closed: make(chan struct{}),
	}
}

// Send enqueues ev, blocking while the queue is full. It gives up when ctx
// is done or the queue is closed.
func (q *Queue) Send(ctx context.Context, ev Event) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	select {
	case q.events <- ev:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listen blocks until an event is available, ctx is done or the queue is
// closed. Events already buffered are still delivered after Close.
func (q *Queue) Listen(ctx context.Context) (Event, error) {
	select {
	case ev := <-q.events:
		return ev, nil
	default:
	}

	select {
	case ev := <-q.events:
		return ev, nil
	case <-q.closed:
		select {
		case ev := <-q.events:
			return ev, nil
		default:
			return nil, ErrQueueClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the queue from accepting events. It is safe to call more than
// once.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.closed)
	})
}
