// Package element implements the stream elements an audio pipeline is built
// from. Every element runs on its own goroutine once started, exchanges data
// with its neighbours through Ring buffers and reports its lifecycle through
// event.Element notifications.
package element

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gopxl/beep/v2"

	"github.com/gingerologist/downmix-pipeline/event"
)

var (
	// ErrRunning is returned when an operation needs a quiesced element.
	ErrRunning = errors.New("element is running")
	// ErrNotInit is returned by Start when the element was not reset.
	ErrNotInit = errors.New("element is not in init state")
	// ErrTerminated is returned once an element has been terminated.
	ErrTerminated = errors.New("element is terminated")
	// ErrIncompatible is returned by Link for elements that cannot be chained.
	ErrIncompatible = errors.New("incompatible elements")
	// ErrInvalidFormat is returned for formats with no rate or channels.
	ErrInvalidFormat = errors.New("invalid format")
)

// State is the lifecycle state of a single element.
type State int

const (
	StateInit State = iota
	StateRunning
	StateFinished
	StateStopped
	StateError
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Direction tells where an element sits in the data flow.
type Direction int

const (
	DirectionSource Direction = iota
	DirectionPassthrough
	DirectionSink
)

// Frames is a chunk of interleaved stereo samples, as used by beep.
type Frames = [][2]float64

// Run carries the addressing an element needs to report during one
// pipeline run.
type Run struct {
	Pipeline string
	Input    int
	ID       string
	Terminal bool
	Notify   func(ev event.Element)
}

// Element is a single processing stage.
type Element interface {
	Tag() string
	Role() event.Role
	Direction() Direction
	State() State
	// Format returns the negotiated output format, or the zero value while
	// it is not known yet.
	Format() beep.Format
	Start(ctx context.Context, run Run) error
	Stop()
	// Done is closed once the element goroutine has returned.
	Done() <-chan struct{}
	Reset() error
	Terminate() error
}

// ValidFormat reports whether f carries a usable rate and channel count.
func ValidFormat(f beep.Format) bool {
	return f.SampleRate > 0 && f.NumChannels > 0 && f.NumChannels <= 2
}

var closedDone = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Base carries the state machine shared by all elements. Implementations
// embed it, call Init from their constructor and Launch from Start.
type Base struct {
	tag  string
	role event.Role
	dir  Direction

	mu     sync.Mutex
	state  State
	format beep.Format
	run    Run
	cancel context.CancelFunc
	done   chan struct{}
}

// Init sets the identity of the element.
func (b *Base) Init(tag string, role event.Role, dir Direction) {
	b.tag = tag
	b.role = role
	b.dir = dir
}

func (b *Base) Tag() string          { return b.tag }
func (b *Base) Role() event.Role     { return b.role }
func (b *Base) Direction() Direction { return b.dir }

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) Format() beep.Format {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.format
}

// SetFormat records the negotiated output format.
func (b *Base) SetFormat(f beep.Format) {
	b.mu.Lock()
	b.format = f
	b.mu.Unlock()
}

func (b *Base) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done == nil {
		return closedDone
	}
	return b.done
}

// Stop cancels the running process. It returns immediately; use Done to
// wait for the element to quiesce.
func (b *Base) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Reset returns a quiesced element to StateInit and forgets its format.
func (b *Base) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateRunning:
		return ErrRunning
	case StateTerminated:
		return ErrTerminated
	}
	b.state = StateInit
	b.format = beep.Format{}
	return nil
}

// Terminate makes the element permanently unusable.
func (b *Base) Terminate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateRunning {
		return ErrRunning
	}
	b.state = StateTerminated
	return nil
}

// Emit sends a status notification for the current run.
func (b *Base) Emit(status event.Status, fill func(*event.Element)) {
	b.mu.Lock()
	run := b.run
	b.mu.Unlock()

	if run.Notify == nil {
		return
	}
	ev := event.Element{
		Pipeline: run.Pipeline,
		Input:    run.Input,
		Run:      run.ID,
		Tag:      b.tag,
		Role:     b.role,
		Status:   status,
		Terminal: run.Terminal,
	}
	if fill != nil {
		fill(&ev)
	}
	run.Notify(ev)
}

// Launch moves the element to StateRunning and runs process on a new
// goroutine. A nil result finishes the element, a cancelled context stops
// it and any other error is reported as StatusError.
func (b *Base) Launch(ctx context.Context, run Run, process func(ctx context.Context) error) error {
	b.mu.Lock()
	switch b.state {
	case StateInit:
	case StateTerminated:
		b.mu.Unlock()
		return ErrTerminated
	default:
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", b.tag, ErrNotInit)
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.state = StateRunning
	b.run = run
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()

		b.Emit(event.StatusStarted, nil)
		err := process(ctx)

		b.mu.Lock()
		switch {
		case err == nil:
			b.state = StateFinished
		case errors.Is(err, context.Canceled):
			b.state = StateStopped
		default:
			b.state = StateError
		}
		state := b.state
		b.mu.Unlock()

		switch state {
		case StateFinished:
			b.Emit(event.StatusFinished, nil)
		case StateStopped:
			b.Emit(event.StatusStopped, nil)
		default:
			b.Emit(event.StatusError, func(ev *event.Element) { ev.Err = err })
		}
	}()
	return nil
}
