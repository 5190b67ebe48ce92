package playback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
	"github.com/spf13/afero"
)

// ErrUnknownDevice is returned for an output device name OpenDevice does
// not understand.
var ErrUnknownDevice = errors.New("unknown output device")

// DeviceConfig selects and configures the output device.
type DeviceConfig struct {
	// Name is "speaker", "null" or "file:<path>".
	Name   string
	Format beep.Format
	// Buffer is the speaker buffer length.
	Buffer time.Duration
	// Volume is a master gain in dB applied by the speaker.
	Volume float64
	// Fs resolves file device paths.
	Fs afero.Fs
}

// OpenDevice brings up the output device.
func OpenDevice(cfg DeviceConfig) (Device, error) {
	switch {
	case cfg.Name == "speaker":
		return NewSpeaker(cfg.Format.SampleRate, cfg.Buffer, cfg.Volume)
	case cfg.Name == "null":
		return &NullDevice{}, nil
	case strings.HasPrefix(cfg.Name, "file:"):
		path := strings.TrimPrefix(cfg.Name, "file:")
		if path == "" {
			return nil, fmt.Errorf("%q: %w: empty path", cfg.Name, ErrUnknownDevice)
		}
		fs := cfg.Fs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		return NewFileDevice(fs, path, cfg.Format)
	}
	return nil, fmt.Errorf("%q: %w", cfg.Name, ErrUnknownDevice)
}

// NullDevice discards the stream. It counts the frames it consumed.
type NullDevice struct {
	frames atomic.Int64
}

func (d *NullDevice) Play(ctx context.Context, s beep.Streamer) error {
	buf := make([][2]float64, 512)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, ok := s.Stream(buf)
		d.frames.Add(int64(n))
		if !ok {
			return nil
		}
	}
}

func (d *NullDevice) Paced() bool  { return false }
func (d *NullDevice) Close() error { return nil }

// Frames returns the number of frames played so far.
func (d *NullDevice) Frames() int64 { return d.frames.Load() }

// FileDevice records every output run into a wav file, replacing the
// previous recording.
type FileDevice struct {
	fs     afero.Fs
	path   string
	format beep.Format

	mu sync.Mutex
}

// NewFileDevice checks that path can be created on fs.
func NewFileDevice(fs afero.Fs, path string, format beep.Format) (*FileDevice, error) {
	if format.Precision == 0 {
		format.Precision = 2
	}
	f, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &FileDevice{fs: fs, path: path, format: format}, nil
}

func (d *FileDevice) Play(_ context.Context, s beep.Streamer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := d.fs.Create(d.path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", d.path, err)
	}
	if err := wav.Encode(f, s, d.format); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", d.path, err)
	}
	return f.Close()
}

func (d *FileDevice) Paced() bool  { return false }
func (d *FileDevice) Close() error { return nil }

// Path returns the recording path.
func (d *FileDevice) Path() string { return d.path }
