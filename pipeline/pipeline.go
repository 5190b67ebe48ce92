// Package pipeline runs an ordered chain of elements as one unit with an
// aggregate lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rs/xid"

	"github.com/gingerologist/downmix-pipeline/element"
	"github.com/gingerologist/downmix-pipeline/event"
)

var (
	// ErrAlreadyRunning is returned by Run unless the pipeline is in StateInit.
	ErrAlreadyRunning = errors.New("pipeline already running")
	// ErrInvalidState is returned if a method cannot be executed at this moment.
	ErrInvalidState = errors.New("invalid pipeline state")
	// ErrStopTimeout is returned by WaitForStop when elements did not quiesce
	// before the deadline.
	ErrStopTimeout = errors.New("timed out waiting for pipeline to stop")
	// ErrDuplicateTag is returned when two elements share a tag.
	ErrDuplicateTag = errors.New("duplicate element tag")
	// ErrUnknownTag is returned when a tag is not registered.
	ErrUnknownTag = errors.New("unknown element tag")
	// ErrEmpty is returned when running a pipeline without elements.
	ErrEmpty = errors.New("pipeline has no elements")
)

// State is the aggregate state of a pipeline.
type State int

const (
	StateInit State = iota
	StateRunning
	StateFinished
	StateStopped
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateFinished:
		return "FINISHED"
	case StateStopped:
		return "STOPPED"
	case StateTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// Listener receives the element events of a pipeline. *event.Queue
// implements it.
type Listener interface {
	Send(ctx context.Context, ev event.Event) error
}

// Option provides a way to set functional parameters to a pipeline.
type Option func(p *Pipeline) error

// WithLogger sets the logger. The default logger is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) error {
		p.logger = l
		return nil
	}
}

// WithListener forwards element events to l.
func WithListener(l Listener) Option {
	return func(p *Pipeline) error {
		p.listener = l
		return nil
	}
}

// WithInput sets the input index carried by events. Pipelines that do not
// feed a mixer slot keep event.NoInput.
func WithInput(i int) Option {
	return func(p *Pipeline) error {
		p.input = i
		return nil
	}
}

// WithElements registers elements in data-flow order.
func WithElements(els ...element.Element) Option {
	return func(p *Pipeline) error {
		for _, e := range els {
			if err := p.Register(e); err != nil {
				return err
			}
		}
		return nil
	}
}

// Pipeline owns an ordered chain of uniquely tagged elements and the rings
// between them.
//
// Its aggregate state follows INIT -> RUNNING -> FINISHED|STOPPED -> INIT
// and TERMINATED once it was torn down. The final event of the last element
// is held back until every element of the run has quiesced, so a listener
// may Reset the pipeline as soon as it sees it.
type Pipeline struct {
	name     string
	input    int
	listener Listener
	logger   *slog.Logger

	life   context.Context
	finish context.CancelFunc

	// emitMu keeps the events of one pipeline in emission order.
	emitMu sync.Mutex

	mu       sync.Mutex
	elements []element.Element
	tags     map[string]element.Element
	buffers  []element.Buffer
	state    State
	runID    string
	pending  int
	stopped  bool
	err      error
	deferred *event.Element
}

// New creates a pipeline in StateInit.
func New(name string, options ...Option) (*Pipeline, error) {
	life, finish := context.WithCancel(context.Background())
	p := &Pipeline{
		name:   name,
		input:  event.NoInput,
		logger: slog.Default(),
		life:   life,
		finish: finish,
		tags:   make(map[string]element.Element),
	}
	for _, option := range options {
		if err := option(p); err != nil {
			finish()
			return nil, err
		}
	}
	p.logger = p.logger.With("pipeline", name)
	return p, nil
}

func (p *Pipeline) Name() string { return p.name }

// Register appends e to the chain.
func (p *Pipeline) Register(e element.Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateInit {
		return fmt.Errorf("register %s: %w", e.Tag(), ErrInvalidState)
	}
	if _, ok := p.tags[e.Tag()]; ok {
		return fmt.Errorf("%s: %w", e.Tag(), ErrDuplicateTag)
	}
	p.tags[e.Tag()] = e
	p.elements = append(p.elements, e)
	return nil
}

// Link connects the elements named by tags in order with rings of size
// chunks. Without tags every registered element is linked in registration
// order.
func (p *Pipeline) Link(size int, tags ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateInit {
		return fmt.Errorf("link: %w", ErrInvalidState)
	}

	chain := p.elements
	if len(tags) > 0 {
		chain = make([]element.Element, 0, len(tags))
		for _, tag := range tags {
			e, ok := p.tags[tag]
			if !ok {
				return fmt.Errorf("%s: %w", tag, ErrUnknownTag)
			}
			chain = append(chain, e)
		}
	}

	for i := 0; i+1 < len(chain); i++ {
		b, err := element.Link(chain[i], chain[i+1], size)
		if err != nil {
			return fmt.Errorf("pipeline %s: %w", p.name, err)
		}
		p.buffers = append(p.buffers, b)
	}
	return nil
}

// Elements returns the chain in data-flow order.
func (p *Pipeline) Elements() []element.Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]element.Element(nil), p.elements...)
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// RunID identifies the current or last run.
func (p *Pipeline) RunID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runID
}

// Err returns the first element error of the last run.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Run starts every element on its own goroutine.
func (p *Pipeline) Run() error {
	p.mu.Lock()
	switch p.state {
	case StateInit:
	case StateTerminated:
		p.mu.Unlock()
		return fmt.Errorf("run %s: %w", p.name, ErrInvalidState)
	default:
		p.mu.Unlock()
		return fmt.Errorf("run %s: %w", p.name, ErrAlreadyRunning)
	}
	if len(p.elements) == 0 {
		p.mu.Unlock()
		return fmt.Errorf("run %s: %w", p.name, ErrEmpty)
	}

	p.runID = xid.New().String()
	p.state = StateRunning
	p.pending = len(p.elements)
	p.stopped = false
	p.err = nil
	p.deferred = nil
	els := append([]element.Element(nil), p.elements...)
	runID := p.runID
	p.mu.Unlock()

	p.logger.Debug("Starting pipeline", "run", runID)

	last := len(els) - 1
	for i := last; i >= 0; i-- {
		run := element.Run{
			Pipeline: p.name,
			Input:    p.input,
			ID:       runID,
			Terminal: i == last,
			Notify:   p.notify,
		}
		if err := els[i].Start(p.life, run); err != nil {
			p.abort(els[i+1:], i+1)
			return fmt.Errorf("failed to start %s/%s: %w", p.name, els[i].Tag(), err)
		}
	}
	return nil
}

// abort stops the elements already started when Run failed halfway.
func (p *Pipeline) abort(started []element.Element, notStarted int) {
	p.emitMu.Lock()
	p.mu.Lock()
	p.pending -= notStarted
	p.stopped = true
	var out []event.Element
	if p.pending == 0 {
		p.state = StateStopped
		if p.deferred != nil {
			out = append(out, *p.deferred)
			p.deferred = nil
		}
	}
	p.mu.Unlock()
	p.forward(out)
	p.emitMu.Unlock()

	for _, e := range started {
		e.Stop()
	}
}

// Reset clears every ring and element so the pipeline can run again. It is
// a no-op in StateInit.
func (p *Pipeline) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateInit:
		return nil
	case StateFinished, StateStopped:
	default:
		return fmt.Errorf("reset %s in %s: %w", p.name, p.state, ErrInvalidState)
	}

	for i, b := range p.buffers {
		if n := b.Len(); n > 0 {
			p.logger.Debug("Dropping buffered chunks", "link", i, "chunks", n, "capacity", b.Cap())
		}
		b.Reset()
	}
	for _, e := range p.elements {
		if err := e.Reset(); err != nil {
			return fmt.Errorf("failed to reset %s/%s: %w", p.name, e.Tag(), err)
		}
	}
	p.state = StateInit
	return nil
}

// Stop asks every element to stop. It does not wait.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	els := append([]element.Element(nil), p.elements...)
	running := p.state == StateRunning
	p.mu.Unlock()

	if !running {
		return
	}
	p.logger.Debug("Stopping pipeline")
	for _, e := range els {
		e.Stop()
	}
}

// WaitForStop blocks until every element goroutine has returned.
func (p *Pipeline) WaitForStop(ctx context.Context) error {
	for _, e := range p.Elements() {
		select {
		case <-e.Done():
		case <-ctx.Done():
			return fmt.Errorf("%s/%s: %w", p.name, e.Tag(), ErrStopTimeout)
		}
	}
	return nil
}

// Terminate releases the pipeline for good. It must be stopped first.
func (p *Pipeline) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateTerminated:
		return nil
	case StateRunning:
		return fmt.Errorf("terminate %s: %w", p.name, ErrInvalidState)
	}
	for _, e := range p.elements {
		if err := e.Terminate(); err != nil {
			return fmt.Errorf("failed to terminate %s/%s: %w", p.name, e.Tag(), err)
		}
	}
	p.state = StateTerminated
	p.finish()
	return nil
}

// notify is called by element goroutines.
func (p *Pipeline) notify(ev event.Element) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.forward(p.account(ev))
}

func (p *Pipeline) forward(out []event.Element) {
	for _, e := range out {
		p.log(e)
		if p.listener == nil {
			continue
		}
		if err := p.listener.Send(p.life, e); err != nil {
			p.logger.Debug("Dropped element event", "event", e.String(), "error", err)
		}
	}
}

// account updates the aggregate state and returns the events to forward.
func (p *Pipeline) account(ev event.Element) []event.Element {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.Run != p.runID || p.state != StateRunning {
		return nil
	}

	switch ev.Status {
	case event.StatusFinished, event.StatusStopped, event.StatusError:
		p.pending--
	default:
		return []event.Element{ev}
	}

	if ev.Status == event.StatusStopped {
		p.stopped = true
	}
	if ev.Status == event.StatusError && p.err == nil {
		p.err = ev.Err
	}

	out := []event.Element{ev}
	if ev.Terminal && p.pending > 0 {
		p.deferred = &ev
		out = nil
	}

	if p.pending > 0 {
		return out
	}

	if p.stopped {
		p.state = StateStopped
	} else {
		p.state = StateFinished
	}
	if p.deferred != nil {
		out = append(out, *p.deferred)
		p.deferred = nil
	}
	return out
}

func (p *Pipeline) log(ev event.Element) {
	switch ev.Status {
	case event.StatusError:
		p.logger.Error("Element failed", "run", ev.Run, "element", ev.Tag, "error", ev.Err)
	case event.StatusFormatReported:
		p.logger.Debug("Element reported format", "run", ev.Run, "element", ev.Tag,
			"sample_rate", int(ev.Format.SampleRate), "channels", ev.Format.NumChannels)
	default:
		p.logger.Debug("Element status", "run", ev.Run, "element", ev.Tag, "status", ev.Status.String())
	}
}
