package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gopxl/beep/v2"

	"github.com/gingerologist/downmix-pipeline/event"
	"github.com/gingerologist/downmix-pipeline/playback"
)

// ErrUnknownInput is returned for an activation of an input that does not
// exist.
var ErrUnknownInput = errors.New("unknown input")

// Role decides how an input takes part in the crossfade.
type Role int

const (
	// RolePrimary inputs play without touching the mixer mode.
	RolePrimary Role = iota
	// RoleSecondary inputs switch the mixer ON while they play.
	RoleSecondary
)

func (r Role) String() string {
	if r == RoleSecondary {
		return "secondary"
	}
	return "primary"
}

// Runner is a pipeline as seen by the controller.
type Runner interface {
	Name() string
	RunID() string
	Run() error
	Reset() error
}

// SourceSetter rebinds the reader of an input pipeline.
type SourceSetter interface {
	SetSource(uri string) error
}

// FormatSetter receives the format reported by the decoder of an input.
type FormatSetter interface {
	SetSourceFormat(f beep.Format) error
}

// Mixer is the work mode switch of the downmixer.
type Mixer interface {
	SetWorkMode(mode playback.Mode)
	WorkMode() playback.Mode
	Gain(slot int) (float64, error)
}

// Listener is the event queue the controller consumes.
type Listener interface {
	Listen(ctx context.Context) (event.Event, error)
}

// Input wires one input pipeline into the controller.
type Input struct {
	Name      string
	Role      Role
	Pipeline  Runner
	Source    SourceSetter
	Resampler FormatSetter
}

// Controller reacts to element events, key actions and activation
// requests. All of its state is owned by the goroutine running Loop, or by
// the caller of Handle when Loop is not used.
type Controller struct {
	queue    Listener
	inputs   []Input
	output   Runner
	mixer    Mixer
	bindings *Bindings
	logger   *slog.Logger

	running       []bool
	sources       []string
	outputRunning bool

	handled  int
	failures int

	// guards the idle state read by WaitIdle
	mu       sync.Mutex
	idle     bool
	requests uint64
	changed  chan struct{}
}

// NewController creates a controller. bindings may be nil.
func NewController(queue Listener, mixer Mixer, output Runner, inputs []Input, bindings *Bindings, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if bindings == nil {
		bindings = NewBindings()
	}
	return &Controller{
		queue:    queue,
		inputs:   inputs,
		output:   output,
		mixer:    mixer,
		bindings: bindings,
		logger:   logger,
		running:  make([]bool, len(inputs)),
		sources:  make([]string, len(inputs)),
		idle:     true,
		changed:  make(chan struct{}),
	}
}

// WaitIdle blocks until at least requests activations and key actions have
// been handled and nothing is playing.
func (c *Controller) WaitIdle(ctx context.Context, requests uint64) error {
	for {
		c.mu.Lock()
		if c.idle && c.requests >= requests {
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Loop consumes the queue until ctx is done or the queue is closed.
func (c *Controller) Loop(ctx context.Context) error {
	c.logger.Info("Controller started")
	defer c.logger.Info("Controller stopped")

	for {
		ev, err := c.queue.Listen(ctx)
		switch {
		case errors.Is(err, event.ErrQueueClosed):
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			c.logger.Error("Failed to receive event", slog.Any("error", err))
			continue
		}

		if err := c.Handle(ev); err != nil {
			c.failures++
			c.logger.Error("Failed to handle event", "event", fmt.Sprint(ev), slog.Any("error", err))
		}
	}
}

// Handle applies one event.
func (c *Controller) Handle(ev event.Event) error {
	c.handled++
	defer c.checkIdle(isRequest(ev))

	switch ev := ev.(type) {
	case event.Element:
		return c.element(ev)
	case event.Action:
		return c.action(ev)
	case event.Activate:
		return c.Activate(ev.Input, ev.Source)
	}
	return fmt.Errorf("unsupported event %T", ev)
}

// Activate starts source on input i unless it is already playing.
func (c *Controller) Activate(i int, source string) error {
	if i < 0 || i >= len(c.inputs) {
		return fmt.Errorf("input %d: %w", i, ErrUnknownInput)
	}
	in := c.inputs[i]
	if c.running[i] {
		c.logger.Info("Input already running, ignoring activation", "input", i, "source", source)
		return nil
	}

	if err := in.Source.SetSource(source); err != nil {
		return fmt.Errorf("failed to bind %s to %s: %w", source, in.Name, err)
	}
	if err := in.Pipeline.Reset(); err != nil {
		return fmt.Errorf("failed to reset %s: %w", in.Name, err)
	}
	if err := in.Pipeline.Run(); err != nil {
		return fmt.Errorf("failed to run %s: %w", in.Name, err)
	}
	c.running[i] = true
	c.sources[i] = source
	c.logger.Info("Input started", "input", i, "name", in.Name, "source", source, "run", in.Pipeline.RunID())

	if in.Role == RoleSecondary {
		c.setMode(playback.ModeOn)
	}
	return c.ensureOutput()
}

func (c *Controller) action(ev event.Action) error {
	b, ok := c.bindings.Lookup(ev.Key)
	if !ok {
		c.logger.Info("No action bound to key", "key", ev.Key)
		return nil
	}
	return c.Activate(b.Input, b.Source)
}

func (c *Controller) element(ev event.Element) error {
	if ev.Status == event.StatusError {
		c.logger.Error("Element error", "element", ev.String(), slog.Any("error", ev.Err))
	}

	if c.output != nil && ev.Pipeline == c.output.Name() {
		if ev.Role == event.RoleSink && ev.Terminal && final(ev.Status) {
			return c.outputDone(ev)
		}
		c.logger.Debug("Output event", "event", ev.String())
		return nil
	}

	i, ok := c.input(ev)
	if !ok {
		if ev.Status == event.StatusFormatReported {
			c.logger.Warn("Ignoring format report from unknown pipeline", "event", ev.String())
			return nil
		}
		c.logger.Debug("Event from unknown pipeline", "event", ev.String())
		return nil
	}

	switch {
	case ev.Role == event.RoleDecoder && ev.Status == event.StatusFormatReported:
		return c.formatReported(i, ev)
	case ev.Terminal && final(ev.Status):
		return c.inputDone(i, ev)
	}
	c.logger.Debug("Element event", "event", ev.String())
	return nil
}

func (c *Controller) input(ev event.Element) (int, bool) {
	if ev.Input < 0 || ev.Input >= len(c.inputs) {
		return 0, false
	}
	if c.inputs[ev.Input].Pipeline.Name() != ev.Pipeline {
		return 0, false
	}
	return ev.Input, true
}

func (c *Controller) formatReported(i int, ev event.Element) error {
	in := c.inputs[i]
	if err := in.Resampler.SetSourceFormat(ev.Format); err != nil {
		return fmt.Errorf("failed to set source format of %s: %w", in.Name, err)
	}
	c.logger.Info("Playing",
		"source", c.sources[i],
		"sample_rate", int(ev.Format.SampleRate),
		"bits", ev.Format.Precision*8,
		"channels", ev.Format.NumChannels,
		"input", i,
	)
	return nil
}

func (c *Controller) inputDone(i int, ev event.Element) error {
	if ev.Run != c.inputs[i].Pipeline.RunID() {
		c.logger.Debug("Ignoring event of a previous run", "event", ev.String())
		return nil
	}
	if !c.running[i] {
		return nil
	}

	c.running[i] = false
	c.logger.Info("Input finished", "input", i, "source", c.sources[i], "status", ev.Status.String())
	if c.inputs[i].Role == RoleSecondary {
		c.setMode(playback.ModeOff)
	}
	return nil
}

func (c *Controller) outputDone(ev event.Element) error {
	if ev.Run != c.output.RunID() {
		c.logger.Debug("Ignoring event of a previous output run", "event", ev.String())
		return nil
	}
	c.outputRunning = false
	c.logger.Info("Output finished", "status", ev.Status.String())

	for i, running := range c.running {
		if running {
			// an activation raced the mixer drain
			c.logger.Info("Input still running, restarting output", "input", i)
			return c.ensureOutput()
		}
	}
	return nil
}

func (c *Controller) ensureOutput() error {
	if c.outputRunning || c.output == nil {
		return nil
	}
	if err := c.output.Reset(); err != nil {
		return fmt.Errorf("failed to reset output: %w", err)
	}
	if err := c.output.Run(); err != nil {
		return fmt.Errorf("failed to run output: %w", err)
	}
	c.outputRunning = true
	c.logger.Info("Output started", "run", c.output.RunID())
	return nil
}

func (c *Controller) setMode(mode playback.Mode) {
	if c.mixer == nil || c.mixer.WorkMode() == mode {
		return
	}
	gains := make([]float64, 0, len(c.inputs))
	for i := range c.inputs {
		if g, err := c.mixer.Gain(i); err == nil {
			gains = append(gains, g)
		}
	}
	c.mixer.SetWorkMode(mode)
	c.logger.Info("Mixer mode changed", "mode", mode.String(), "from_gains", gains)
}

func (c *Controller) checkIdle(request bool) {
	idle := !c.outputRunning
	for _, r := range c.running {
		idle = idle && !r
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if idle == c.idle && !request {
		return
	}
	c.idle = idle
	if request {
		c.requests++
	}
	close(c.changed)
	c.changed = make(chan struct{})
}

// isRequest reports whether ev was sent by a user of the machine rather than
// by a pipeline.
func isRequest(ev event.Event) bool {
	switch ev.(type) {
	case event.Action, event.Activate:
		return true
	}
	return false
}

func final(s event.Status) bool {
	return s == event.StatusFinished || s == event.StatusStopped || s == event.StatusError
}
