package machine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gingerologist/downmix-pipeline/config"
	"github.com/gingerologist/downmix-pipeline/pipeline"
	"github.com/gingerologist/downmix-pipeline/playback"
)

var (
	wideMono   = beep.Format{SampleRate: 16000, NumChannels: 1, Precision: 2}
	nativeRate = beep.Format{SampleRate: 8000, NumChannels: 2, Precision: 2}
	oddStereo  = beep.Format{SampleRate: 11025, NumChannels: 2, Precision: 2}
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Load(viper.New())
	require.NoError(t, err)
	cfg.Audio.SampleRate = 8000
	cfg.Audio.ChunkFrames = 256
	cfg.Audio.RingChunks = 4
	cfg.Audio.ResampleQuality = 1
	cfg.Audio.Transition = 20 * time.Millisecond
	cfg.Output.Device = "null"
	cfg.Output.Realtime = false
	cfg.Storage.Root = "/media"
	cfg.Shutdown.Timeout = 5 * time.Second
	cfg.Actions = []config.ActionConfig{
		{Key: "play", Input: 0, Source: "/a.wav"},
		{Key: "rec", Input: 1, Source: "/b.wav"},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func testFs(t *testing.T) afero.Fs {
	t.Helper()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/media", 0o755))
	writeTone(t, fs, "/media/a.wav", wideMono, 24000)
	writeTone(t, fs, "/media/b.wav", nativeRate, 6000)
	writeTone(t, fs, "/media/c.wav", oddStereo, 4000)
	return fs
}

func startMachine(t *testing.T, cfg *config.Config, opts ...Option) *Machine {
	t.Helper()

	m := New(cfg, opts...)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		require.NoError(t, m.Stop())
	})
	return m
}

func waitIdle(t *testing.T, m *Machine) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	idle := make(chan error, 1)
	go func() { idle <- m.WaitIdle(ctx) }()

	select {
	case err := <-idle:
		require.NoError(t, err, "machine did not become idle")
	case err := <-m.Error():
		t.Fatalf("machine failed: %v", err)
	}
}

func TestMachinePlay(t *testing.T) {
	m := startMachine(t, testConfig(t), WithFs(testFs(t)))
	ctx := context.Background()

	require.NoError(t, m.Activate(ctx, 0, "/a.wav"))
	waitIdle(t, m)

	dev, ok := m.device.(*playback.NullDevice)
	require.True(t, ok)
	// 1.5s at the native rate, plus whatever silence was mixed meanwhile
	assert.GreaterOrEqual(t, dev.Frames(), int64(11000))

	in := m.inputs[0]
	assert.Equal(t, wideMono, in.resampler.SourceFormat())
	assert.Equal(t, "/a.wav", in.reader.Source())
	assert.Equal(t, pipeline.StateFinished, in.pipeline.State())
	assert.Equal(t, pipeline.StateFinished, m.output.State())
	assert.Equal(t, playback.ModeOff, m.mixer.WorkMode())
}

func TestMachineCrossfade(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.Realtime = true
	m := startMachine(t, cfg, WithFs(testFs(t)))
	ctx := context.Background()

	require.NoError(t, m.Activate(ctx, 0, "/a.wav"))
	require.NoError(t, m.Activate(ctx, 1, "/b.wav"))

	require.Eventually(t, func() bool {
		return m.mixer.WorkMode() == playback.ModeOn
	}, time.Second, 5*time.Millisecond)

	waitIdle(t, m)
	assert.Equal(t, playback.ModeOff, m.mixer.WorkMode())

	g0, err := m.mixer.Gain(0)
	require.NoError(t, err)
	g1, err := m.mixer.Gain(1)
	require.NoError(t, err)
	assert.InDelta(t, 0, g0, 1e-9)
	assert.InDelta(t, -20, g1, 1e-9)
}

func TestMachineRenegotiates(t *testing.T) {
	m := startMachine(t, testConfig(t), WithFs(testFs(t)))
	ctx := context.Background()
	in := m.inputs[0]

	require.NoError(t, m.Activate(ctx, 0, "/c.wav"))
	waitIdle(t, m)
	assert.Equal(t, oddStereo, in.resampler.SourceFormat())
	first := in.pipeline.RunID()

	require.NoError(t, m.Activate(ctx, 0, "/b.wav"))
	waitIdle(t, m)
	assert.Equal(t, nativeRate, in.resampler.SourceFormat())
	assert.NotEqual(t, first, in.pipeline.RunID())
}

func TestMachineKeys(t *testing.T) {
	m := startMachine(t, testConfig(t), WithFs(testFs(t)), WithKeys(strings.NewReader("REC\n")))

	require.Eventually(t, func() bool {
		return m.requests.Load() == 1
	}, time.Second, 5*time.Millisecond)
	waitIdle(t, m)
	assert.Equal(t, "/b.wav", m.inputs[1].reader.Source())
	assert.Equal(t, nativeRate, m.inputs[1].resampler.SourceFormat())
}

func TestMachinePress(t *testing.T) {
	m := startMachine(t, testConfig(t), WithFs(testFs(t)))

	require.NoError(t, m.Press(context.Background(), " Play "))
	waitIdle(t, m)
	assert.Equal(t, "/a.wav", m.inputs[0].reader.Source())
}

func TestMachineWaitIdleAfterEarlierIdle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.Realtime = true
	m := startMachine(t, cfg, WithFs(testFs(t)))
	ctx := context.Background()

	// b.wav lasts 0.75s, a.wav 1.5s
	require.NoError(t, m.Press(ctx, "rec"))
	waitIdle(t, m)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, m.Press(ctx, "play"))
	waitIdle(t, m)

	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, pipeline.StateFinished, m.inputs[0].pipeline.State())
	assert.Equal(t, pipeline.StateFinished, m.output.State())
}

func TestMachineMissingSource(t *testing.T) {
	m := startMachine(t, testConfig(t), WithFs(testFs(t)))

	require.NoError(t, m.Activate(context.Background(), 1, "/missing.wav"))
	waitIdle(t, m)
	require.Error(t, m.inputs[1].pipeline.Err())
}

func TestMachineFileDevice(t *testing.T) {
	fs := testFs(t)
	cfg := testConfig(t)
	cfg.Output.Device = "file:/out.wav"

	m := New(cfg, WithFs(fs))
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Start())

	require.NoError(t, m.Activate(context.Background(), 1, "/b.wav"))
	waitIdle(t, m)
	require.NoError(t, m.Stop())

	f, err := fs.Open("/out.wav")
	require.NoError(t, err)
	defer f.Close()
	s, format, err := wav.Decode(f)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, nativeRate.SampleRate, format.SampleRate)
	assert.GreaterOrEqual(t, s.Len(), 6000)
}

func TestMachineStopIdempotent(t *testing.T) {
	m := New(testConfig(t), WithFs(testFs(t)))
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Start())

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	assert.Equal(t, pipeline.StateTerminated, m.output.State())
	for _, in := range m.inputs {
		assert.Equal(t, pipeline.StateTerminated, in.pipeline.State())
	}
}

func TestMachineStartUninitialized(t *testing.T) {
	m := New(testConfig(t))
	require.Error(t, m.Start())
}

func TestMachineUnknownDevice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.Device = "hdmi"

	m := New(cfg, WithFs(testFs(t)))
	require.ErrorIs(t, m.Initialize(), playback.ErrUnknownDevice)
}
