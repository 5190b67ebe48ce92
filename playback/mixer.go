package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"

	"github.com/gingerologist/downmix-pipeline/element"
	"github.com/gingerologist/downmix-pipeline/event"
)

// ErrUnknownSlot is returned for a slot index the mixer does not have.
var ErrUnknownSlot = errors.New("unknown mixer slot")

// rampBlock is the number of frames mixed with one gain value.
const rampBlock = 64

// Mode is the work mode of the downmixer.
type Mode int

const (
	// ModeOff plays every slot at its switch-off gain.
	ModeOff Mode = iota
	// ModeOn plays every slot at its switch-on gain.
	ModeOn
)

func (m Mode) String() string {
	if m == ModeOn {
		return "ON"
	}
	return "OFF"
}

// GainPair holds the gains of a slot in dB for both work modes.
type GainPair struct {
	Off float64
	On  float64
}

func (g GainPair) target(m Mode) float64 {
	if m == ModeOn {
		return g.On
	}
	return g.Off
}

// SlotConfig configures one mixer input.
type SlotConfig struct {
	Gain GainPair
	// Timeout bounds how long a mix waits for the slot. Zero polls.
	Timeout time.Duration
}

// DownmixConfig configures a Downmix.
type DownmixConfig struct {
	Format      beep.Format
	Slots       []SlotConfig
	Transition  time.Duration
	ChunkFrames int
}

type slot struct {
	gain    GainPair
	timeout time.Duration
	ring    *element.Ring[element.Frames]
	ramp    ramp
}

// Downmix sums a fixed number of input rings into one output, applying a
// per slot gain that follows the work mode. Missing input is silence.
//
// The mixer finishes once every slot opened for the run has been drained.
type Downmix struct {
	element.Base

	format      beep.Format
	chunkFrames int
	out         *element.Ring[element.Frames]

	mu    sync.Mutex
	mode  Mode
	slots []slot
}

// NewDownmix creates a mixer in ModeOff.
func NewDownmix(tag string, cfg DownmixConfig) (*Downmix, error) {
	if !element.ValidFormat(cfg.Format) {
		return nil, fmt.Errorf("downmix: %w: %+v", element.ErrInvalidFormat, cfg.Format)
	}
	if len(cfg.Slots) == 0 {
		return nil, fmt.Errorf("downmix: %w: no slots", ErrUnknownSlot)
	}
	if cfg.ChunkFrames <= 0 {
		cfg.ChunkFrames = cfg.Format.SampleRate.N(20 * time.Millisecond)
	}

	transition := cfg.Format.SampleRate.N(cfg.Transition)
	m := &Downmix{
		format:      cfg.Format,
		chunkFrames: cfg.ChunkFrames,
		slots:       make([]slot, len(cfg.Slots)),
	}
	for i, sc := range cfg.Slots {
		m.slots[i] = slot{
			gain:    sc.Gain,
			timeout: sc.Timeout,
			ramp:    newRamp(sc.Gain.Off, sc.Gain.On-sc.Gain.Off, transition),
		}
	}
	m.Init(tag, event.RoleMixer, element.DirectionPassthrough)
	return m, nil
}

func (m *Downmix) BindFrameOutput(r *element.Ring[element.Frames]) { m.out = r }

// Slots returns the number of inputs.
func (m *Downmix) Slots() int { return len(m.slots) }

// SetInputRing binds slot i to the terminal ring of an input pipeline.
func (m *Downmix) SetInputRing(i int, r *element.Ring[element.Frames]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i < 0 || i >= len(m.slots) {
		return fmt.Errorf("slot %d: %w", i, ErrUnknownSlot)
	}
	m.slots[i].ring = r
	return nil
}

// SetInputTimeout changes how long a mix waits for slot i.
func (m *Downmix) SetInputTimeout(i int, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i < 0 || i >= len(m.slots) {
		return fmt.Errorf("slot %d: %w", i, ErrUnknownSlot)
	}
	m.slots[i].timeout = d
	return nil
}

// SetWorkMode starts the transition of every slot toward the gain of mode.
func (m *Downmix) SetWorkMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mode = mode
	for i := range m.slots {
		m.slots[i].ramp.retarget(m.slots[i].gain.target(mode))
	}
}

func (m *Downmix) WorkMode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Gain returns the current gain of slot i in dB.
func (m *Downmix) Gain(i int) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i < 0 || i >= len(m.slots) {
		return 0, fmt.Errorf("slot %d: %w", i, ErrUnknownSlot)
	}
	return m.slots[i].ramp.cur, nil
}

func (m *Downmix) Start(ctx context.Context, run element.Run) error {
	if m.out == nil {
		return fmt.Errorf("%s: %w", m.Tag(), element.ErrIncompatible)
	}
	m.out.Open()
	return m.Launch(ctx, run, m.process)
}

// input is the mixing state of one slot during a run.
type input struct {
	ring   *element.Ring[element.Frames]
	stream *element.RingStreamer
	volume *effects.Volume
	seen   bool
	buf    element.Frames
}

func (m *Downmix) process(ctx context.Context) error {
	defer m.out.CloseWrite()

	m.SetFormat(m.format)
	inputs := make([]*input, len(m.slots))
	for i := range inputs {
		inputs[i] = &input{buf: make(element.Frames, rampBlock)}
	}

	for {
		if m.drained(ctx, inputs) {
			return nil
		}

		buf := make(element.Frames, m.chunkFrames)
		m.mix(buf, inputs)
		if err := m.out.Write(ctx, buf); err != nil {
			return err
		}
	}
}

// drained binds the slot rings of this round and reports whether every
// slot opened so far has ended.
func (m *Downmix) drained(ctx context.Context, inputs []*input) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen, done := 0, 0
	for i, in := range inputs {
		s := &m.slots[i]
		if s.ring != in.ring {
			in.ring = s.ring
			in.stream = nil
			in.seen = false
			if in.ring != nil {
				in.stream = element.NewRingStreamer(ctx, in.ring)
				in.stream.Silence = true
				in.volume = &effects.Volume{Streamer: in.stream, Base: 10}
			}
		}
		if in.stream == nil {
			continue
		}
		in.stream.Timeout = s.timeout

		live := in.ring.Live()
		if live && in.stream.Ended() {
			// the input pipeline started a new run on this ring
			in.stream.Rewind()
		}
		if in.ring.Opened() {
			in.seen = true
		}
		if !in.seen {
			continue
		}
		seen++
		if !live && in.stream.Ended() {
			done++
		}
	}
	return seen > 0 && seen == done
}

func (m *Downmix) mix(buf element.Frames, inputs []*input) {
	for off := 0; off < len(buf); off += rampBlock {
		end := min(off+rampBlock, len(buf))
		n := end - off

		m.mu.Lock()
		for i, in := range inputs {
			db := m.slots[i].ramp.advance(n)
			if in.volume != nil {
				in.volume.Volume = db / 20
			}
		}
		m.mu.Unlock()

		for _, in := range inputs {
			if !in.seen || in.stream.Ended() {
				continue
			}
			got, _ := in.volume.Stream(in.buf[:n])
			for j := 0; j < got; j++ {
				buf[off+j][0] += in.buf[j][0]
				buf[off+j][1] += in.buf[j][1]
			}
		}
	}
}
