package element

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned by Ring.Read when nothing arrived in time.
	ErrTimeout = errors.New("ring read timeout")
	// ErrAborted is returned by Ring.Write once the reader gave up.
	ErrAborted = errors.New("ring aborted by reader")
)

// Buffer is the part of a ring a pipeline manages.
type Buffer interface {
	Reset()
	Len() int
	Cap() int
}

// Ring is a bounded single-writer single-reader buffer of chunks. The
// writer opens it when it starts, writes chunks and closes it when done;
// the reader sees io.EOF once it drained a closed ring.
type Ring[T any] struct {
	items chan T

	mu       sync.Mutex
	opened   bool
	closed   bool
	aborted  bool
	done     chan struct{}
	abortion chan struct{}
}

// NewRing creates a ring holding up to size chunks.
func NewRing[T any](size int) *Ring[T] {
	if size < 1 {
		size = 1
	}
	return &Ring[T]{
		items:    make(chan T, size),
		done:     make(chan struct{}),
		abortion: make(chan struct{}),
	}
}

// Open marks the ring as in use by a writer for the current run.
func (r *Ring[T]) Open() {
	r.mu.Lock()
	r.opened = true
	r.mu.Unlock()
}

// CloseWrite tells the reader no more chunks will come. It is idempotent.
func (r *Ring[T]) CloseWrite() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.done)
	}
}

// Abort tells the writer the reader is gone. It is idempotent.
func (r *Ring[T]) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.aborted {
		r.aborted = true
		close(r.abortion)
	}
}

// Done is closed once the writer called CloseWrite.
func (r *Ring[T]) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Opened reports whether a writer opened the ring since the last Reset.
func (r *Ring[T]) Opened() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened
}

// Live reports whether the ring was opened and still has, or will have,
// chunks to read.
func (r *Ring[T]) Live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened && !(r.closed && len(r.items) == 0)
}

func (r *Ring[T]) Len() int { return len(r.items) }
func (r *Ring[T]) Cap() int { return cap(r.items) }

// Reset drops buffered chunks and makes the ring reusable. Both ends must
// be quiesced.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		select {
		case <-r.items:
			continue
		default:
		}
		break
	}
	r.opened = false
	if r.closed {
		r.closed = false
		r.done = make(chan struct{})
	}
	if r.aborted {
		r.aborted = false
		r.abortion = make(chan struct{})
	}
}

func (r *Ring[T]) channels() (done, abortion chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done, r.abortion
}

// Write blocks until v is buffered, the reader aborted or ctx is done.
func (r *Ring[T]) Write(ctx context.Context, v T) error {
	_, abortion := r.channels()
	select {
	case <-abortion:
		return ErrAborted
	default:
	}

	select {
	case r.items <- v:
		return nil
	case <-abortion:
		return ErrAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read returns the next chunk. A zero timeout polls, a negative timeout
// waits for as long as ctx allows. It returns io.EOF once the ring is closed
// and empty, and ErrTimeout when nothing arrived in time.
func (r *Ring[T]) Read(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	done, _ := r.channels()

	select {
	case v := <-r.items:
		return v, nil
	default:
	}

	if timeout == 0 {
		select {
		case <-done:
			return r.drain(zero)
		default:
			return zero, ErrTimeout
		}
	}

	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}

	select {
	case v := <-r.items:
		return v, nil
	case <-done:
		return r.drain(zero)
	case <-expire:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// drain picks up a chunk written right before the ring was closed.
func (r *Ring[T]) drain(zero T) (T, error) {
	select {
	case v := <-r.items:
		return v, nil
	default:
		return zero, io.EOF
	}
}
