package element

import "fmt"

// ByteProducer is an element emitting compressed bytes.
type ByteProducer interface {
	BindByteOutput(r *Ring[[]byte])
}

// ByteConsumer is an element reading compressed bytes.
type ByteConsumer interface {
	BindByteInput(r *Ring[[]byte])
}

// FrameProducer is an element emitting PCM frames.
type FrameProducer interface {
	BindFrameOutput(r *Ring[Frames])
}

// FrameConsumer is an element reading PCM frames.
type FrameConsumer interface {
	BindFrameInput(r *Ring[Frames])
}

// Link connects the output of up to the input of down through a new ring
// of size chunks.
func Link(up, down Element, size int) (Buffer, error) {
	if p, ok := up.(ByteProducer); ok {
		c, ok := down.(ByteConsumer)
		if !ok {
			return nil, fmt.Errorf("%s -> %s: %w", up.Tag(), down.Tag(), ErrIncompatible)
		}
		r := NewRing[[]byte](size)
		p.BindByteOutput(r)
		c.BindByteInput(r)
		return r, nil
	}

	if p, ok := up.(FrameProducer); ok {
		c, ok := down.(FrameConsumer)
		if !ok {
			return nil, fmt.Errorf("%s -> %s: %w", up.Tag(), down.Tag(), ErrIncompatible)
		}
		r := NewRing[Frames](size)
		p.BindFrameOutput(r)
		c.BindFrameInput(r)
		return r, nil
	}

	return nil, fmt.Errorf("%s has no output: %w", up.Tag(), ErrIncompatible)
}
