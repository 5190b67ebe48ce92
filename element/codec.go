package element

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
)

// ErrUnknownCodec is returned when no registered codec accepts a stream.
var ErrUnknownCodec = errors.New("unknown codec")

// CodecAuto selects the codec by inspecting the first bytes of the stream.
const CodecAuto = "auto"

// DecodeFunc opens a decoded PCM stream over compressed bytes.
type DecodeFunc func(ctx context.Context, rc io.ReadCloser) (beep.StreamCloser, beep.Format, error)

// Codec is a named decoder with an optional content sniffer.
type Codec struct {
	Name   string
	Sniff  func(head []byte) bool
	Decode DecodeFunc
}

// Registry holds codecs by name. Detection tries codecs in registration
// order; a codec without Sniff acts as a fallback.
type Registry struct {
	mu     sync.RWMutex
	codecs []Codec
}

func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry knows mp3, wav and ogg vorbis.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Codec{Name: "wav", Sniff: sniffWAV, Decode: decodeWAV})
	r.Register(Codec{Name: "ogg", Sniff: sniffOgg, Decode: decodeVorbis})
	r.Register(Codec{Name: "mp3", Sniff: sniffMP3, Decode: decodeMP3})
	return r
}

// Register adds c, replacing a codec with the same name.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.codecs {
		if r.codecs[i].Name == c.Name {
			r.codecs[i] = c
			return
		}
	}
	r.codecs = append(r.codecs, c)
}

func (r *Registry) Get(name string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.codecs {
		if c.Name == name {
			return c, true
		}
	}
	return Codec{}, false
}

// Names lists the registered codecs in detection order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.codecs))
	for i, c := range r.codecs {
		names[i] = c.Name
	}
	return names
}

// Detect picks the first codec whose sniffer accepts head, falling back to
// the first codec registered without a sniffer.
func (r *Registry) Detect(head []byte) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var fallback *Codec
	for i, c := range r.codecs {
		if c.Sniff == nil {
			if fallback == nil {
				fallback = &r.codecs[i]
			}
			continue
		}
		if c.Sniff(head) {
			return c, true
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return Codec{}, false
}

func sniffWAV(head []byte) bool {
	return len(head) >= 12 && bytes.Equal(head[:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE"))
}

func sniffOgg(head []byte) bool {
	return bytes.HasPrefix(head, []byte("OggS"))
}

func sniffMP3(head []byte) bool {
	if bytes.HasPrefix(head, []byte("ID3")) {
		return true
	}
	// MPEG audio frame sync
	return len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0
}

func decodeMP3(_ context.Context, rc io.ReadCloser) (beep.StreamCloser, beep.Format, error) {
	return mp3.Decode(rc)
}

func decodeWAV(_ context.Context, rc io.ReadCloser) (beep.StreamCloser, beep.Format, error) {
	s, format, err := wav.Decode(rc)
	if err != nil {
		return nil, beep.Format{}, err
	}
	return closer{StreamCloser: s, rc: rc}, format, nil
}

func decodeVorbis(_ context.Context, rc io.ReadCloser) (beep.StreamCloser, beep.Format, error) {
	return vorbis.Decode(rc)
}

// closer also closes the byte source for decoders that only take an
// io.Reader.
type closer struct {
	beep.StreamCloser
	rc io.Closer
}

func (c closer) Close() error {
	err := c.StreamCloser.Close()
	if cerr := c.rc.Close(); err == nil {
		err = cerr
	}
	return err
}
