package element

import (
	"context"
	"fmt"
	"sync"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"

	"github.com/gingerologist/downmix-pipeline/event"
)

// DefaultResampleQuality is the beep interpolation quality used when none is
// configured.
const DefaultResampleQuality = 4

// Resampler converts frames from the source format reported by the decoder
// to a fixed target format. It does not consume any frame of a run before
// its source format was set with SetSourceFormat; later calls retune the
// ratio in place.
type Resampler struct {
	Base

	target      beep.Format
	quality     int
	chunkFrames int

	in  *Ring[Frames]
	out *Ring[Frames]

	srcMu    sync.Mutex
	src      beep.Format
	changed  bool
	ready    chan struct{}
	readySet bool
}

// NewResampler creates a resampler producing target.
func NewResampler(tag string, target beep.Format, quality, chunkFrames int) *Resampler {
	if quality < 1 || quality > 64 {
		quality = DefaultResampleQuality
	}
	r := &Resampler{
		target:      target,
		quality:     quality,
		chunkFrames: chunkFrames,
		ready:       make(chan struct{}),
	}
	r.Init(tag, event.RoleResampler, DirectionPassthrough)
	return r
}

func (r *Resampler) BindFrameInput(ring *Ring[Frames])  { r.in = ring }
func (r *Resampler) BindFrameOutput(ring *Ring[Frames]) { r.out = ring }


// SetSourceFormat sets the format of the incoming frames. It is safe to
// call while the resampler runs.
func (r *Resampler) SetSourceFormat(f beep.Format) error {
	if !ValidFormat(f) {
		return fmt.Errorf("%s: %w: %+v", r.Tag(), ErrInvalidFormat, f)
	}

	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	r.src = f
	r.changed = true
	if !r.readySet {
		r.readySet = true
		close(r.ready)
	}
	return nil
}

// SourceFormat returns the source format, zero until one was set.
func (r *Resampler) SourceFormat() beep.Format {
	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	return r.src
}

func (r *Resampler) Reset() error {
	if err := r.Base.Reset(); err != nil {
		return err
	}
	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	r.src = beep.Format{}
	r.changed = false
	if r.readySet {
		r.readySet = false
		r.ready = make(chan struct{})
	}
	return nil
}

func (r *Resampler) Start(ctx context.Context, run Run) error {
	if r.in == nil || r.out == nil {
		return fmt.Errorf("%s: %w", r.Tag(), ErrIncompatible)
	}
	r.out.Open()
	return r.Launch(ctx, run, r.process)
}

func (r *Resampler) readyChan() chan struct{} {
	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	return r.ready
}

// takeSource returns the source format and whether it changed since the
// last call.
func (r *Resampler) takeSource() (beep.Format, bool) {
	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	changed := r.changed
	r.changed = false
	return r.src, changed
}

func (r *Resampler) process(ctx context.Context) error {
	defer r.out.CloseWrite()

	ready := r.readyChan()
	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.in.Done():
		select {
		case <-ready:
		default:
			// upstream ended without ever reporting a format
			return nil
		}
	}

	src, _ := r.takeSource()
	stream := NewRingStreamer(ctx, r.in)
	res := beep.Resample(r.quality, src.SampleRate, r.target.SampleRate, stream)
	var out beep.Streamer = res
	if r.target.NumChannels == 1 {
		out = effects.Mono(res)
	}
	r.SetFormat(r.target)

	for {
		if f, changed := r.takeSource(); changed {
			res.SetRatio(float64(f.SampleRate) / float64(r.target.SampleRate))
		}

		buf := make(Frames, r.chunkFrames)
		n, ok := out.Stream(buf)
		if n > 0 {
			if err := r.out.Write(ctx, buf[:n]); err != nil {
				return err
			}
		}
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return stream.Err()
		}
	}
}
