package element

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/afero"

	"github.com/gingerologist/downmix-pipeline/event"
)

// ErrNoSource is returned when a reader is started without a source.
var ErrNoSource = errors.New("no source set")

// DefaultBlockSize is the number of bytes a Reader pushes per chunk.
const DefaultBlockSize = 4096

// Reader streams the bytes of a source file into the pipeline.
type Reader struct {
	Base

	fs        afero.Fs
	blockSize int
	out       *Ring[[]byte]

	srcMu sync.Mutex
	uri   string
}

// NewReader creates a reader resolving sources on fs.
func NewReader(tag string, fs afero.Fs, blockSize int) *Reader {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	r := &Reader{fs: fs, blockSize: blockSize}
	r.Init(tag, event.RoleReader, DirectionSource)
	return r
}

func (r *Reader) BindByteOutput(ring *Ring[[]byte]) { r.out = ring }

// SetSource rebinds the reader to uri. The reader must not be running.
func (r *Reader) SetSource(uri string) error {
	if r.State() == StateRunning {
		return ErrRunning
	}
	r.srcMu.Lock()
	r.uri = uri
	r.srcMu.Unlock()
	return nil
}

// Source returns the currently bound source.
func (r *Reader) Source() string {
	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	return r.uri
}

func (r *Reader) Start(ctx context.Context, run Run) error {
	if r.out == nil {
		return fmt.Errorf("%s: %w", r.Tag(), ErrIncompatible)
	}
	uri := r.Source()
	if uri == "" {
		return fmt.Errorf("%s: %w", r.Tag(), ErrNoSource)
	}
	r.out.Open()
	return r.Launch(ctx, run, func(ctx context.Context) error {
		return r.process(ctx, uri)
	})
}

func (r *Reader) process(ctx context.Context, uri string) error {
	defer r.out.CloseWrite()

	f, err := r.fs.Open(uri)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", uri, err)
	}
	defer f.Close()

	for {
		buf := make([]byte, r.blockSize)
		n, err := f.Read(buf)
		if n > 0 {
			if werr := r.out.Write(ctx, buf[:n]); werr != nil {
				if errors.Is(werr, ErrAborted) {
					// the decoder stopped consuming, nothing left to do
					return nil
				}
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", uri, err)
		}
	}
}
