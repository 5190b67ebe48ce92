package element

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gingerologist/downmix-pipeline/event"
)

// Writer is the terminal stage of an input pipeline. It forwards frames to
// its own output ring, which a mixer slot reads. The output ring belongs to
// the writer and is cleared on Reset.
type Writer struct {
	Base

	in  *Ring[Frames]
	out *Ring[Frames]
}

// NewWriter creates a writer whose output ring holds size chunks.
func NewWriter(tag string, size int) *Writer {
	w := &Writer{out: NewRing[Frames](size)}
	w.Init(tag, event.RoleWriter, DirectionSink)
	return w
}

func (w *Writer) BindFrameInput(r *Ring[Frames]) { w.in = r }

// Output returns the ring a mixer slot should read.
func (w *Writer) Output() *Ring[Frames] { return w.out }

func (w *Writer) Reset() error {
	if err := w.Base.Reset(); err != nil {
		return err
	}
	w.out.Reset()
	return nil
}

func (w *Writer) Start(ctx context.Context, run Run) error {
	if w.in == nil {
		return fmt.Errorf("%s: %w", w.Tag(), ErrIncompatible)
	}
	w.out.Open()
	return w.Launch(ctx, run, w.process)
}

func (w *Writer) process(ctx context.Context) error {
	defer w.out.CloseWrite()

	for {
		chunk, err := w.in.Read(ctx, -1)
		if errors.Is(err, io.EOF) {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		if err := w.out.Write(ctx, chunk); err != nil {
			return err
		}
	}
}
