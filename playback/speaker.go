package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/speaker"
)

// DefaultSpeakerBuffer is the speaker buffer length used when none is set.
const DefaultSpeakerBuffer = 100 * time.Millisecond

// Speaker plays the mixed stream on the system audio device.
type Speaker struct {
	mu         sync.RWMutex
	closed     bool
	sampleRate beep.SampleRate
	volume     float64
}

// NewSpeaker initializes the speaker at sampleRate. volume is a master gain
// in dB.
func NewSpeaker(sampleRate beep.SampleRate, buffer time.Duration, volume float64) (*Speaker, error) {
	if buffer <= 0 {
		buffer = DefaultSpeakerBuffer
	}
	// Initialize the speaker with the given sample rate
	err := speaker.Init(sampleRate, sampleRate.N(buffer))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize speaker: %w", err)
	}

	return &Speaker{
		sampleRate: sampleRate,
		volume:     volume,
	}, nil
}

func (p *Speaker) Play(ctx context.Context, s beep.Streamer) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("speaker is closed")
	}
	vol := &effects.Volume{
		Streamer: s,
		Base:     10,
		Volume:   p.volume / 20,
	}
	p.mu.RUnlock()

	done := make(chan struct{})
	speaker.Play(beep.Seq(vol, beep.Callback(func() {
		close(done)
	})))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Clear()
		return ctx.Err()
	}
}

func (p *Speaker) Paced() bool { return true }

// Close releases the audio device.
func (p *Speaker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	speaker.Clear()
	speaker.Close()
	return nil
}
