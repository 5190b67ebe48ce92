package element

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gopxl/beep/v2"
)

// ringReader exposes a byte ring as an io.ReadCloser for decoders. Closing
// it aborts the ring so the upstream writer stops.
type ringReader struct {
	ctx     context.Context
	ring    *Ring[[]byte]
	pending []byte
}

func newRingReader(ctx context.Context, ring *Ring[[]byte]) *ringReader {
	return &ringReader{ctx: ctx, ring: ring}
}

func (r *ringReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.pending) == 0 {
		chunk, err := r.ring.Read(r.ctx, -1)
		if err != nil {
			return 0, err
		}
		r.pending = chunk
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *ringReader) Close() error {
	r.ring.Abort()
	return nil
}

// RingStreamer is a beep.Streamer reading frames from a ring.
//
// With a negative Timeout it blocks for every chunk. Otherwise an underrun
// is filled with silence when Silence is set, or ends the current Stream
// call early.
type RingStreamer struct {
	ctx     context.Context
	ring    *Ring[Frames]
	pending Frames
	err     error

	Timeout time.Duration
	Silence bool
}

var _ beep.Streamer = (*RingStreamer)(nil)

// NewRingStreamer returns a blocking streamer over ring.
func NewRingStreamer(ctx context.Context, ring *Ring[Frames]) *RingStreamer {
	return &RingStreamer{ctx: ctx, ring: ring, Timeout: -1}
}

func (s *RingStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	if s.err != nil {
		return 0, false
	}
	for n < len(samples) {
		if len(s.pending) == 0 {
			chunk, err := s.ring.Read(s.ctx, s.Timeout)
			switch {
			case err == nil:
				s.pending = chunk
			case errors.Is(err, ErrTimeout):
				if s.Silence {
					clear(samples[n:])
					return len(samples), true
				}
				return n, true
			case errors.Is(err, io.EOF):
				s.err = io.EOF
				return n, n > 0
			default:
				s.err = err
				return n, n > 0
			}
		}
		c := copy(samples[n:], s.pending)
		s.pending = s.pending[c:]
		n += c
	}
	return n, true
}

// Err returns the error that ended the stream. Reaching the end of the ring
// is not an error.
func (s *RingStreamer) Err() error {
	if errors.Is(s.err, io.EOF) {
		return nil
	}
	return s.err
}

// Ended reports whether the streamer reached the end of the ring or failed.
func (s *RingStreamer) Ended() bool {
	return s.err != nil
}

// Rewind forgets buffered frames and the end of stream so the streamer can
// follow the ring into its next run.
func (s *RingStreamer) Rewind() {
	s.pending = nil
	s.err = nil
}
