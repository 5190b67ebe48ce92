// Package ffmpeg decodes any container the ffmpeg executable understands
// into 16-bit PCM. It backs the "ffmpeg" codec of the decoder element.
package ffmpeg

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	disgoorgffmpeg "github.com/disgoorg/ffmpeg-audio"
	"github.com/gopxl/beep/v2"

	"github.com/gingerologist/downmix-pipeline/element"
)

// CodecName is the registry name of the ffmpeg codec.
const CodecName = "ffmpeg"

// Codec returns a decoder codec running ffmpeg with opts. It has no
// sniffer and therefore acts as the fallback of auto detection.
func Codec(opts ...disgoorgffmpeg.ConfigOpt) element.Codec {
	cfg := disgoorgffmpeg.DefaultConfig()
	cfg.Apply(opts)

	return element.Codec{
		Name: CodecName,
		Decode: func(ctx context.Context, rc io.ReadCloser) (beep.StreamCloser, beep.Format, error) {
			return Decode(ctx, rc, cfg)
		},
	}
}

// WithExec sets the ffmpeg executable.
func WithExec(path string) disgoorgffmpeg.ConfigOpt {
	return func(cfg *disgoorgffmpeg.Config) {
		cfg.Exec = path
	}
}

// Decode pipes rc through ffmpeg and streams the s16le output.
func Decode(ctx context.Context, rc io.ReadCloser, cfg *disgoorgffmpeg.Config) (beep.StreamCloser, beep.Format, error) {
	if cfg.Channels < 1 || cfg.Channels > 2 {
		return nil, beep.Format{}, fmt.Errorf("ffmpeg: %w: %d channels", element.ErrInvalidFormat, cfg.Channels)
	}

	cmd := exec.CommandContext(ctx, cfg.Exec,
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le",
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"pipe:1",
	)
	cmd.Stdin = rc
	cmd.Stderr = os.Stderr

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, beep.Format{}, err
	}
	if err = cmd.Start(); err != nil {
		return nil, beep.Format{}, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	format := beep.Format{
		SampleRate:  beep.SampleRate(cfg.SampleRate),
		NumChannels: cfg.Channels,
		Precision:   2,
	}
	s := &Stream{
		PCM:  NewPCM(bufio.NewReaderSize(pipe, cfg.BufferSize), cfg.Channels),
		cmd:  cmd,
		pipe: pipe,
		src:  rc,
	}
	return s, format, nil
}

// PCM reads interleaved little-endian 16-bit samples as frames. Mono input
// is copied to both channels.
type PCM struct {
	r        io.Reader
	channels int
	buf      []byte
	err      error
}

var _ beep.Streamer = (*PCM)(nil)

func NewPCM(r io.Reader, channels int) *PCM {
	return &PCM{r: r, channels: channels}
}

func (p *PCM) Stream(samples [][2]float64) (n int, ok bool) {
	if p.err != nil {
		return 0, false
	}

	frameSize := 2 * p.channels
	if need := len(samples) * frameSize; cap(p.buf) < need {
		p.buf = make([]byte, need)
	}
	buf := p.buf[:len(samples)*frameSize]

	read, err := io.ReadFull(p.r, buf)
	for ; n < read/frameSize; n++ {
		off := n * frameSize
		left := float64(int16(binary.LittleEndian.Uint16(buf[off:]))) / 32768
		right := left
		if p.channels == 2 {
			right = float64(int16(binary.LittleEndian.Uint16(buf[off+2:]))) / 32768
		}
		samples[n] = [2]float64{left, right}
	}

	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
			p.err = io.EOF
		} else {
			p.err = fmt.Errorf("error reading PCM data: %w", err)
		}
		return n, n > 0
	}
	return n, true
}

func (p *PCM) Err() error {
	if errors.Is(p.err, io.EOF) {
		return nil
	}
	return p.err
}

// Stream is a running ffmpeg process decoding one source.
type Stream struct {
	*PCM

	cmd  *exec.Cmd
	pipe io.Closer
	src  io.Closer

	once sync.Once
	err  error
}

// Close stops ffmpeg and releases the source.
func (s *Stream) Close() error {
	s.once.Do(func() {
		_ = s.src.Close()
		_ = s.pipe.Close()
		if s.cmd.ProcessState == nil {
			_ = s.cmd.Process.Kill()
		}
		if err := s.cmd.Wait(); err != nil && !isKilled(err) {
			s.err = err
		}
	})
	return s.err
}

func isKilled(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && !exitErr.Exited()
}
