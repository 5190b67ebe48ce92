package element_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gingerologist/downmix-pipeline/element"
	"github.com/gingerologist/downmix-pipeline/event"
)

var target = beep.Format{SampleRate: 44100, NumChannels: 2, Precision: 2}

type chain struct {
	reader    *element.Reader
	decoder   *element.Decoder
	resampler *element.Resampler
	writer    *element.Writer
	buffers   []element.Buffer

	mu     sync.Mutex
	events []event.Element
}

func newChain(t *testing.T, fs afero.Fs, format beep.Format) *chain {
	t.Helper()

	c := &chain{
		reader:    element.NewReader("src", fs, 512),
		decoder:   element.NewDecoder("dec", element.DefaultRegistry(), element.CodecAuto, 256),
		resampler: element.NewResampler("rsp", format, 4, 256),
		writer:    element.NewWriter("raw", 8),
	}
	els := c.elements()
	for i := 0; i+1 < len(els); i++ {
		b, err := element.Link(els[i], els[i+1], 4)
		require.NoError(t, err)
		c.buffers = append(c.buffers, b)
	}
	return c
}

func (c *chain) elements() []element.Element {
	return []element.Element{c.reader, c.decoder, c.resampler, c.writer}
}

func (c *chain) notify(ev event.Element) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()

	if ev.Status == event.StatusFormatReported {
		_ = c.resampler.SetSourceFormat(ev.Format)
	}
}

func (c *chain) start(t *testing.T, ctx context.Context) {
	t.Helper()
	els := c.elements()
	for i := len(els) - 1; i >= 0; i-- {
		run := element.Run{
			Pipeline: "in0",
			ID:       "run",
			Terminal: i == len(els)-1,
			Notify:   c.notify,
		}
		require.NoError(t, els[i].Start(ctx, run))
	}
}

func (c *chain) wait(t *testing.T) {
	t.Helper()
	for _, e := range c.elements() {
		select {
		case <-e.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("%s did not quiesce", e.Tag())
		}
	}
}

func (c *chain) reset(t *testing.T) {
	t.Helper()
	for _, e := range c.elements() {
		require.NoError(t, e.Reset())
	}
	for _, b := range c.buffers {
		b.Reset()
	}
}

func (c *chain) statuses(tag string) []event.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []event.Status
	for _, ev := range c.events {
		if ev.Tag == tag {
			out = append(out, ev.Status)
		}
	}
	return out
}

// drain reads the writer output until the end of the run.
func drain(t *testing.T, ctx context.Context, r *element.Ring[element.Frames]) element.Frames {
	t.Helper()
	var out element.Frames
	for {
		chunk, err := r.Read(ctx, -1)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, chunk...)
	}
}

func TestChainResamples(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTone(t, fs, "low.wav", beep.Format{SampleRate: 22050, NumChannels: 1, Precision: 2}, 22050)

	ctx := context.Background()
	c := newChain(t, fs, target)
	require.NoError(t, c.reader.SetSource("low.wav"))
	c.start(t, ctx)

	out := drain(t, ctx, c.writer.Output())
	c.wait(t)

	assert.InDelta(t, 44100, len(out), 64)
	assert.Equal(t, beep.SampleRate(22050), c.resampler.SourceFormat().SampleRate)
	assert.Equal(t, target, c.resampler.Format())
	assert.Equal(t, beep.SampleRate(22050), c.decoder.Format().SampleRate)

	for _, e := range c.elements() {
		assert.Equal(t, element.StateFinished, e.State(), e.Tag())
	}
	assert.Equal(t, []event.Status{event.StatusStarted, event.StatusFormatReported, event.StatusFinished}, c.statuses("dec"))
	assert.Equal(t, []event.Status{event.StatusStarted, event.StatusFinished}, c.statuses("raw"))
}

func TestChainRerun(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTone(t, fs, "a.wav", beep.Format{SampleRate: 44100, NumChannels: 2, Precision: 2}, 4410)
	writeTone(t, fs, "b.wav", beep.Format{SampleRate: 48000, NumChannels: 2, Precision: 2}, 4800)

	ctx := context.Background()
	c := newChain(t, fs, target)

	require.NoError(t, c.reader.SetSource("a.wav"))
	c.start(t, ctx)
	first := drain(t, ctx, c.writer.Output())
	c.wait(t)

	c.reset(t)
	assert.Equal(t, beep.Format{}, c.resampler.SourceFormat())
	assert.Equal(t, beep.Format{}, c.decoder.Format())
	for _, e := range c.elements() {
		assert.Equal(t, element.StateInit, e.State(), e.Tag())
	}

	require.NoError(t, c.reader.SetSource("b.wav"))
	c.start(t, ctx)
	second := drain(t, ctx, c.writer.Output())
	c.wait(t)

	assert.InDelta(t, 4410, len(first), 32)
	assert.InDelta(t, 4410, len(second), 32)
	assert.Equal(t, beep.SampleRate(48000), c.resampler.SourceFormat().SampleRate)
}

func TestChainStop(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTone(t, fs, "long.wav", target, 441000)

	ctx := context.Background()
	c := newChain(t, fs, target)
	require.NoError(t, c.reader.SetSource("long.wav"))
	c.start(t, ctx)

	// nobody reads the output, so the chain stalls on full rings
	time.Sleep(20 * time.Millisecond)
	for _, e := range c.elements() {
		e.Stop()
	}
	c.wait(t)

	for _, e := range c.elements() {
		assert.Equal(t, element.StateStopped, e.State(), e.Tag())
	}
	assert.Contains(t, c.statuses("raw"), event.StatusStopped)
	c.reset(t)
}

func TestChainUnknownCodec(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "junk.bin", []byte("this is not audio at all"), 0o644))

	ctx := context.Background()
	c := newChain(t, fs, target)
	require.NoError(t, c.reader.SetSource("junk.bin"))
	c.start(t, ctx)

	out := drain(t, ctx, c.writer.Output())
	c.wait(t)

	assert.Empty(t, out)
	assert.Equal(t, element.StateError, c.decoder.State())
	assert.Equal(t, element.StateFinished, c.resampler.State())
	assert.Equal(t, element.StateFinished, c.writer.State())

	c.mu.Lock()
	defer c.mu.Unlock()
	var found bool
	for _, ev := range c.events {
		if ev.Tag == "dec" && ev.Status == event.StatusError {
			found = true
			assert.ErrorIs(t, ev.Err, element.ErrUnknownCodec)
		}
	}
	assert.True(t, found)
}

func TestReaderMissingSource(t *testing.T) {
	ctx := context.Background()
	c := newChain(t, afero.NewMemMapFs(), target)

	err := c.reader.Start(ctx, element.Run{})
	assert.ErrorIs(t, err, element.ErrNoSource)

	require.NoError(t, c.reader.SetSource("missing.wav"))
	c.start(t, ctx)
	drain(t, ctx, c.writer.Output())
	c.wait(t)

	assert.Equal(t, element.StateError, c.reader.State())
	assert.Equal(t, element.StateError, c.decoder.State())
}

func TestResamplerWaitsForFormat(t *testing.T) {
	ctx := context.Background()
	in := element.NewRing[element.Frames](4)
	out := element.NewRing[element.Frames](4)

	r := element.NewResampler("rsp", target, 4, 64)
	r.BindFrameInput(in)
	r.BindFrameOutput(out)
	require.NoError(t, r.Start(ctx, element.Run{}))

	in.Open()
	chunk := make(element.Frames, 256)
	for i := range chunk {
		chunk[i] = [2]float64{0.25, 0.25}
	}
	require.NoError(t, in.Write(ctx, chunk))

	_, err := out.Read(ctx, 30*time.Millisecond)
	assert.ErrorIs(t, err, element.ErrTimeout)
	assert.Equal(t, beep.Format{}, r.Format())

	assert.ErrorIs(t, r.SetSourceFormat(beep.Format{}), element.ErrInvalidFormat)
	require.NoError(t, r.SetSourceFormat(target))
	in.CloseWrite()

	got := drain(t, ctx, out)
	<-r.Done()
	assert.NotEmpty(t, got)
	assert.Equal(t, element.StateFinished, r.State())
	assert.Equal(t, target, r.Format())
}

func TestResamplerEndsWithoutFormat(t *testing.T) {
	ctx := context.Background()
	in := element.NewRing[element.Frames](4)
	out := element.NewRing[element.Frames](4)

	r := element.NewResampler("rsp", target, 4, 64)
	r.BindFrameInput(in)
	r.BindFrameOutput(out)
	require.NoError(t, r.Start(ctx, element.Run{}))

	in.Open()
	in.CloseWrite()

	assert.Empty(t, drain(t, ctx, out))
	<-r.Done()
	assert.Equal(t, element.StateFinished, r.State())
}

func TestResamplerMono(t *testing.T) {
	ctx := context.Background()
	in := element.NewRing[element.Frames](4)
	out := element.NewRing[element.Frames](4)

	mono := beep.Format{SampleRate: 44100, NumChannels: 1, Precision: 2}
	r := element.NewResampler("rsp", mono, 4, 64)
	r.BindFrameInput(in)
	r.BindFrameOutput(out)
	require.NoError(t, r.SetSourceFormat(target))
	require.NoError(t, r.Start(ctx, element.Run{}))

	in.Open()
	go func() {
		defer in.CloseWrite()
		chunk := make(element.Frames, 1024)
		for i := range chunk {
			chunk[i] = [2]float64{1, 0}
		}
		_ = in.Write(ctx, chunk)
	}()

	got := drain(t, ctx, out)
	<-r.Done()
	require.NotEmpty(t, got)
	mid := got[len(got)/2]
	assert.InDelta(t, 0.5, mid[0], 1e-6)
	assert.InDelta(t, 0.5, mid[1], 1e-6)
}

func TestBaseLifecycle(t *testing.T) {
	ctx := context.Background()
	in := element.NewRing[element.Frames](1)
	w := element.NewWriter("raw", 1)
	w.BindFrameInput(in)

	// never started
	select {
	case <-w.Done():
	default:
		t.Fatal("idle element must report done")
	}
	require.NoError(t, w.Reset())

	require.NoError(t, w.Start(ctx, element.Run{}))
	assert.Equal(t, element.StateRunning, w.State())
	assert.ErrorIs(t, w.Start(ctx, element.Run{}), element.ErrNotInit)
	assert.ErrorIs(t, w.Reset(), element.ErrRunning)
	assert.ErrorIs(t, w.Terminate(), element.ErrRunning)

	w.Stop()
	<-w.Done()
	assert.Equal(t, element.StateStopped, w.State())
	assert.ErrorIs(t, w.Start(ctx, element.Run{}), element.ErrNotInit)

	require.NoError(t, w.Terminate())
	assert.Equal(t, element.StateTerminated, w.State())
	assert.ErrorIs(t, w.Start(ctx, element.Run{}), element.ErrTerminated)
	assert.ErrorIs(t, w.Reset(), element.ErrTerminated)
}

func TestLinkIncompatible(t *testing.T) {
	fs := afero.NewMemMapFs()
	rd := element.NewReader("src", fs, 0)
	rsp := element.NewResampler("rsp", target, 4, 64)
	w := element.NewWriter("raw", 1)

	_, err := element.Link(rd, rsp, 1)
	assert.ErrorIs(t, err, element.ErrIncompatible)
	_, err = element.Link(w, rsp, 1)
	assert.ErrorIs(t, err, element.ErrIncompatible)
}

func TestRegistryDetect(t *testing.T) {
	reg := element.DefaultRegistry()

	tests := []struct {
		name string
		head []byte
		want string
		ok   bool
	}{
		{name: "wav", head: []byte("RIFF\x24\x00\x00\x00WAVEfmt "), want: "wav", ok: true},
		{name: "ogg", head: []byte("OggS\x00\x02"), want: "ogg", ok: true},
		{name: "mp3 id3", head: []byte("ID3\x04\x00"), want: "mp3", ok: true},
		{name: "mp3 sync", head: []byte{0xFF, 0xFB, 0x90, 0x00}, want: "mp3", ok: true},
		{name: "unknown", head: []byte("hello"), ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := reg.Detect(tt.head)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, c.Name)
		})
	}

	reg.Register(element.Codec{Name: "raw"})
	c, ok := reg.Detect([]byte("hello"))
	assert.True(t, ok)
	assert.Equal(t, "raw", c.Name)
	assert.Equal(t, []string{"wav", "ogg", "mp3", "raw"}, reg.Names())

	_, ok = reg.Get("nope")
	assert.False(t, ok)
}
