package element

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gingerologist/downmix-pipeline/event"
)

// sniffLen is how many bytes are inspected to detect the codec.
const sniffLen = 16

// Decoder turns compressed bytes into PCM frames. Its output format is only
// known after the stream header was parsed, at which point it emits
// StatusFormatReported, once per run.
type Decoder struct {
	Base

	codecs      *Registry
	codec       string
	chunkFrames int

	in  *Ring[[]byte]
	out *Ring[Frames]
}

// NewDecoder creates a decoder using codec from codecs, or detecting it
// when codec is CodecAuto.
func NewDecoder(tag string, codecs *Registry, codec string, chunkFrames int) *Decoder {
	if codec == "" {
		codec = CodecAuto
	}
	d := &Decoder{codecs: codecs, codec: codec, chunkFrames: chunkFrames}
	d.Init(tag, event.RoleDecoder, DirectionPassthrough)
	return d
}

func (d *Decoder) BindByteInput(r *Ring[[]byte])   { d.in = r }
func (d *Decoder) BindFrameOutput(r *Ring[Frames]) { d.out = r }

func (d *Decoder) Start(ctx context.Context, run Run) error {
	if d.in == nil || d.out == nil {
		return fmt.Errorf("%s: %w", d.Tag(), ErrIncompatible)
	}
	d.out.Open()
	return d.Launch(ctx, run, d.process)
}

func (d *Decoder) process(ctx context.Context) error {
	defer d.out.CloseWrite()

	src := newRingReader(ctx, d.in)
	br := bufio.NewReader(src)

	codec, err := d.pick(br)
	if err != nil {
		src.Close()
		return err
	}

	stream, format, err := codec.Decode(ctx, readCloser{Reader: br, Closer: src})
	if err != nil {
		src.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s decode: %w", codec.Name, err)
	}
	defer stream.Close()

	if !ValidFormat(format) {
		return fmt.Errorf("%s: %w: %+v", codec.Name, ErrInvalidFormat, format)
	}
	d.SetFormat(format)
	d.Emit(event.StatusFormatReported, func(ev *event.Element) { ev.Format = format })

	for {
		buf := make(Frames, d.chunkFrames)
		n, ok := stream.Stream(buf)
		if n > 0 {
			if err := d.out.Write(ctx, buf[:n]); err != nil {
				if errors.Is(err, ErrAborted) {
					return nil
				}
				return err
			}
		}
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := stream.Err(); err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("%s stream: %w", codec.Name, err)
			}
			return nil
		}
	}
}

func (d *Decoder) pick(br *bufio.Reader) (Codec, error) {
	if d.codec != CodecAuto {
		c, ok := d.codecs.Get(d.codec)
		if !ok {
			return Codec{}, fmt.Errorf("%s: %w", d.codec, ErrUnknownCodec)
		}
		return c, nil
	}

	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return Codec{}, fmt.Errorf("failed to sniff stream: %w", err)
	}
	c, ok := d.codecs.Detect(head)
	if !ok {
		return Codec{}, ErrUnknownCodec
	}
	return c, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
