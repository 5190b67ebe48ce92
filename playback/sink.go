package playback

import (
	"context"
	"fmt"
	"time"

	"github.com/gopxl/beep/v2"

	"github.com/gingerologist/downmix-pipeline/element"
	"github.com/gingerologist/downmix-pipeline/event"
)

// Device renders the mixed stream.
type Device interface {
	// Play blocks until s is drained or ctx is done.
	Play(ctx context.Context, s beep.Streamer) error
	// Paced reports whether the device consumes samples at the sample rate
	// on its own.
	Paced() bool
	Close() error
}

// Sink is the last element of the output pipeline. It feeds the frames of
// its input ring to a Device.
type Sink struct {
	element.Base

	dev      Device
	format   beep.Format
	realtime bool
	in       *element.Ring[element.Frames]
}

// NewSink creates a sink playing format on dev. With realtime set, devices
// that are not paced are throttled to the sample rate.
func NewSink(tag string, dev Device, format beep.Format, realtime bool) *Sink {
	s := &Sink{dev: dev, format: format, realtime: realtime}
	s.Init(tag, event.RoleSink, element.DirectionSink)
	return s
}

func (s *Sink) BindFrameInput(r *element.Ring[element.Frames]) { s.in = r }

// Device returns the device the sink plays on.
func (s *Sink) Device() Device { return s.dev }

func (s *Sink) Start(ctx context.Context, run element.Run) error {
	if s.in == nil {
		return fmt.Errorf("%s: %w", s.Tag(), element.ErrIncompatible)
	}
	return s.Launch(ctx, run, s.process)
}

func (s *Sink) process(ctx context.Context) error {
	s.SetFormat(s.format)

	st := element.NewRingStreamer(ctx, s.in)
	var stream beep.Streamer = st
	if s.realtime && !s.dev.Paced() {
		stream = &pacer{ctx: ctx, s: st, rate: s.format.SampleRate}
	}

	err := s.dev.Play(ctx, stream)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("%s: %w", s.Tag(), err)
	}
	return st.Err()
}

// pacer throttles a streamer to its sample rate.
type pacer struct {
	ctx    context.Context
	s      beep.Streamer
	rate   beep.SampleRate
	start  time.Time
	played int
}

func (p *pacer) Stream(samples [][2]float64) (int, bool) {
	if p.start.IsZero() {
		p.start = time.Now()
	}
	n, ok := p.s.Stream(samples)
	p.played += n

	ahead := p.rate.D(p.played) - time.Since(p.start)
	if ahead > 0 {
		t := time.NewTimer(ahead)
		select {
		case <-t.C:
		case <-p.ctx.Done():
			t.Stop()
		}
	}
	return n, ok
}

func (p *pacer) Err() error {
	return p.s.Err()
}
