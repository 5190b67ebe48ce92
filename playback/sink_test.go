package playback

import (
	"context"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gingerologist/downmix-pipeline/element"
)

func TestNullSink(t *testing.T) {
	dev, err := OpenDevice(DeviceConfig{Name: "null", Format: stereo})
	require.NoError(t, err)

	s := NewSink("i2s", dev, stereo, false)
	s.BindFrameInput(filled(t, 1500, 0.5))
	require.NoError(t, s.Start(context.Background(), element.Run{}))
	<-s.Done()

	assert.Equal(t, element.StateFinished, s.State())
	assert.Equal(t, int64(1500), dev.(*NullDevice).Frames())
	assert.False(t, dev.Paced())
	require.NoError(t, dev.Close())
}

func TestNullSinkRealtime(t *testing.T) {
	dev := &NullDevice{}
	s := NewSink("i2s", dev, stereo, true)
	// 200 frames at 1 kHz
	s.BindFrameInput(filled(t, 200, 0.5))

	start := time.Now()
	require.NoError(t, s.Start(context.Background(), element.Run{}))
	<-s.Done()

	assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)
	assert.Equal(t, int64(200), dev.Frames())
}

func TestSinkStop(t *testing.T) {
	dev := &NullDevice{}
	s := NewSink("i2s", dev, stereo, true)
	in := element.NewRing[element.Frames](1)
	in.Open()
	s.BindFrameInput(in)

	require.NoError(t, s.Start(context.Background(), element.Run{}))
	s.Stop()
	<-s.Done()
	assert.Equal(t, element.StateStopped, s.State())
}

func TestFileSink(t *testing.T) {
	fs := afero.NewMemMapFs()
	dev, err := OpenDevice(DeviceConfig{Name: "file:out.wav", Format: stereo, Fs: fs})
	require.NoError(t, err)
	assert.Equal(t, "out.wav", dev.(*FileDevice).Path())

	s := NewSink("i2s", dev, stereo, false)
	s.BindFrameInput(filled(t, 700, 0.5))
	require.NoError(t, s.Start(context.Background(), element.Run{}))
	<-s.Done()
	require.Equal(t, element.StateFinished, s.State())

	f, err := fs.Open("out.wav")
	require.NoError(t, err)
	defer f.Close()

	stream, format, err := wav.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, stereo.SampleRate, format.SampleRate)
	assert.Equal(t, 700, stream.Len())

	buf := make([][2]float64, 10)
	n, ok := stream.Stream(buf)
	require.True(t, ok)
	assert.Equal(t, 10, n)
	assert.InDelta(t, 0.5, buf[0][0], 1e-3)
}

func TestOpenDeviceErrors(t *testing.T) {
	_, err := OpenDevice(DeviceConfig{Name: "hdmi"})
	assert.ErrorIs(t, err, ErrUnknownDevice)

	_, err = OpenDevice(DeviceConfig{Name: "file:"})
	assert.ErrorIs(t, err, ErrUnknownDevice)

	ro := afero.NewReadOnlyFs(afero.NewMemMapFs())
	_, err = OpenDevice(DeviceConfig{Name: "file:x.wav", Format: stereo, Fs: ro})
	assert.Error(t, err)
}

func TestPacerErr(t *testing.T) {
	p := &pacer{ctx: context.Background(), s: beep.Silence(10), rate: stereo.SampleRate}
	buf := make([][2]float64, 20)
	n, ok := p.Stream(buf)
	assert.True(t, ok)
	assert.Equal(t, 10, n)
	assert.NoError(t, p.Err())
}
