package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/gingerologist/downmix-pipeline/assets"
	"github.com/gingerologist/downmix-pipeline/config"
	"github.com/gingerologist/downmix-pipeline/element"
	"github.com/gingerologist/downmix-pipeline/event"
	"github.com/gingerologist/downmix-pipeline/ffmpeg"
	"github.com/gingerologist/downmix-pipeline/logger"
	"github.com/gingerologist/downmix-pipeline/pipeline"
	"github.com/gingerologist/downmix-pipeline/playback"
)

// Element tags of the input and output pipelines.
const (
	TagReader    = "fat"
	TagDecoder   = "dec"
	TagResampler = "rsp"
	TagWriter    = "raw"
	TagMixer     = "mixer"
	TagSink      = "i2s"

	OutputPipeline = "output"
)

// queueSize bounds the merged event queue.
const queueSize = 64

// Option configures a Machine.
type Option func(m *Machine)

// WithFs sets the filesystem the storage root and file devices live on.
// The OS filesystem is used otherwise.
func WithFs(fs afero.Fs) Option {
	return func(m *Machine) { m.fs = fs }
}

// WithDevice uses dev instead of opening output.device.
func WithDevice(dev playback.Device) Option {
	return func(m *Machine) { m.device = dev }
}

// WithKeys reads key actions, one per line, from r.
func WithKeys(r io.Reader) Option {
	return func(m *Machine) { m.keys = r }
}

type inputChain struct {
	name      string
	pipeline  *pipeline.Pipeline
	reader    *element.Reader
	resampler *element.Resampler
	writer    *element.Writer
}

// Machine represents the main application state
type Machine struct {
	config *config.Config
	logger *slog.Logger
	fs     afero.Fs
	keys   io.Reader

	device     playback.Device
	assets     *assets.Provider
	queue      *event.Queue
	inputs     []*inputChain
	mixer      *playback.Downmix
	output     *pipeline.Pipeline
	bindings   *Bindings
	controller *Controller
	keySource  *KeySource
	requests   atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopErr   error
	errorChan chan error
}

// New creates a new Machine instance
func New(cfg *config.Config, opts ...Option) *Machine {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Machine{
		config:    cfg,
		logger:    logger.WithComponent("machine"),
		fs:        afero.NewOsFs(),
		queue:     event.NewQueue(queueSize),
		bindings:  BindingsFromConfig(cfg.Actions),
		ctx:       ctx,
		cancel:    cancel,
		errorChan: make(chan error, 10),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize opens the output device and builds every pipeline.
func (m *Machine) Initialize() error {
	m.logger.Info("Initializing machine...")
	cfg := m.config
	format := cfg.Audio.Format()

	m.assets = assets.New(m.fs, cfg.Storage.Root, cfg.Storage.Cache)

	if m.device == nil {
		dev, err := playback.OpenDevice(playback.DeviceConfig{
			Name:   cfg.Output.Device,
			Format: format,
			Buffer: cfg.Output.Buffer,
			Volume: cfg.Output.Volume,
			Fs:     m.fs,
		})
		if err != nil {
			return fmt.Errorf("failed to open output device: %w", err)
		}
		m.device = dev
	}
	if rec, ok := m.device.(*playback.FileDevice); ok {
		m.logger.Info("Recording output to file", "path", rec.Path())
	}

	codecs := element.DefaultRegistry()
	if cfg.Decoder.FFmpeg {
		codecs.Register(ffmpeg.Codec(ffmpeg.WithExec(cfg.Decoder.FFmpegExec)))
	}

	slots := make([]playback.SlotConfig, len(cfg.Inputs))
	for i, in := range cfg.Inputs {
		slots[i] = playback.SlotConfig{
			Gain:    playback.GainPair{Off: in.Gain[0], On: in.Gain[1]},
			Timeout: cfg.Mixer.Timeout,
		}
	}
	mixer, err := playback.NewDownmix(TagMixer, playback.DownmixConfig{
		Format:      format,
		Slots:       slots,
		Transition:  cfg.Audio.Transition,
		ChunkFrames: cfg.Audio.ChunkFrames,
	})
	if err != nil {
		return fmt.Errorf("failed to create mixer: %w", err)
	}
	m.mixer = mixer

	ctrlInputs := make([]Input, len(cfg.Inputs))
	for i, in := range cfg.Inputs {
		chain, err := m.newInput(i, in, codecs)
		if err != nil {
			return err
		}
		if err := mixer.SetInputRing(i, chain.writer.Output()); err != nil {
			return fmt.Errorf("failed to bind %s to the mixer: %w", in.Name, err)
		}
		m.inputs = append(m.inputs, chain)

		role := RolePrimary
		if in.Role == config.RoleSecondary {
			role = RoleSecondary
		}
		ctrlInputs[i] = Input{
			Name:      in.Name,
			Role:      role,
			Pipeline:  chain.pipeline,
			Source:    chain.reader,
			Resampler: chain.resampler,
		}
	}

	sink := playback.NewSink(TagSink, m.device, format, cfg.Output.Realtime)
	m.output, err = pipeline.New(OutputPipeline,
		pipeline.WithLogger(logger.WithComponent("pipeline")),
		pipeline.WithListener(m.queue),
		pipeline.WithElements(mixer, sink),
	)
	if err != nil {
		return fmt.Errorf("failed to create output pipeline: %w", err)
	}
	if err := m.output.Link(cfg.Audio.RingChunks); err != nil {
		return fmt.Errorf("failed to link output pipeline: %w", err)
	}

	m.controller = NewController(m.queue, mixer, m.output, ctrlInputs, m.bindings, logger.WithComponent("controller"))

	if files, err := m.assets.List(); err != nil {
		m.logger.Warn("Failed to list sources", "root", m.assets.Root(), slog.Any("error", err))
	} else {
		m.logger.Info("Sources available", "root", m.assets.Root(), "count", len(files))
		for _, f := range files {
			m.logger.Debug("Source", "uri", f)
		}
	}

	sources := m.sources()
	if missing := m.assets.Check(sources); len(missing) > 0 {
		m.logger.Warn("Some action sources are missing", "missing", missing)
	}
	m.assets.Preload(sources)

	m.logger.Info("Machine initialized successfully",
		"inputs", len(m.inputs),
		"sample_rate", cfg.Audio.SampleRate,
		"channels", cfg.Audio.Channels,
		"device", cfg.Output.Device,
	)
	return nil
}

func (m *Machine) newInput(i int, in config.InputConfig, codecs *element.Registry) (*inputChain, error) {
	cfg := m.config
	reader := element.NewReader(TagReader, m.assets.FS(), cfg.Decoder.BlockSize)
	decoder := element.NewDecoder(TagDecoder, codecs, cfg.Decoder.Codec, cfg.Audio.ChunkFrames)
	resampler := element.NewResampler(TagResampler, cfg.Audio.Format(), cfg.Audio.ResampleQuality, cfg.Audio.ChunkFrames)
	writer := element.NewWriter(TagWriter, cfg.Audio.RingChunks)

	p, err := pipeline.New(in.Name,
		pipeline.WithLogger(logger.WithComponent("pipeline")),
		pipeline.WithListener(m.queue),
		pipeline.WithInput(i),
		pipeline.WithElements(reader, decoder, resampler, writer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline %s: %w", in.Name, err)
	}
	if err := p.Link(cfg.Audio.RingChunks); err != nil {
		return nil, fmt.Errorf("failed to link pipeline %s: %w", in.Name, err)
	}

	return &inputChain{
		name:      in.Name,
		pipeline:  p,
		reader:    reader,
		resampler: resampler,
		writer:    writer,
	}, nil
}

func (m *Machine) sources() []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range m.config.Actions {
		if !seen[a.Source] {
			seen[a.Source] = true
			out = append(out, a.Source)
		}
	}
	return out
}

// Start runs the controller and the key source.
func (m *Machine) Start() error {
	if m.controller == nil {
		return fmt.Errorf("machine is not initialized")
	}
	m.logger.Info("Starting machine operations...")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		if err := m.controller.Loop(m.ctx); err != nil {
			m.fail(err)
			return
		}
		if m.ctx.Err() == nil {
			m.fail(errors.New("controller stopped unexpectedly"))
		}
	}()

	if m.keys != nil {
		m.keySource = NewKeySource(m.keys, m, DefaultDebounce)
		m.keySource.Start()
	}

	m.logger.Info("Machine started successfully")
	return nil
}

func (m *Machine) fail(err error) {
	select {
	case m.errorChan <- err:
	default:
	}
}

// Send delivers ev to the controller.
func (m *Machine) Send(ctx context.Context, ev event.Event) error {
	if err := m.queue.Send(ctx, ev); err != nil {
		return err
	}
	if isRequest(ev) {
		m.requests.Add(1)
	}
	return nil
}

// Activate asks the controller to play source on input i.
func (m *Machine) Activate(ctx context.Context, i int, source string) error {
	return m.Send(ctx, event.Activate{Input: i, Source: source})
}

// Press delivers the action bound to key.
func (m *Machine) Press(ctx context.Context, key string) error {
	return m.Send(ctx, event.Action{Key: config.NormalizeKey(key)})
}

// Bindings returns the key bindings.
func (m *Machine) Bindings() *Bindings { return m.bindings }

// WaitIdle blocks until every activation and key action sent so far has been
// handled and nothing is playing any more.
func (m *Machine) WaitIdle(ctx context.Context) error {
	return m.controller.WaitIdle(ctx, m.requests.Load())
}

// Error returns the error channel for monitoring errors
func (m *Machine) Error() <-chan error {
	return m.errorChan
}

// Stop gracefully shuts down the machine. Input pipelines are torn down
// before the output pipeline. A pipeline that does not quiesce within
// shutdown.timeout yields pipeline.ErrStopTimeout.
func (m *Machine) Stop() error {
	m.stopOnce.Do(func() {
		m.stopErr = m.stop()
	})
	return m.stopErr
}

func (m *Machine) stop() error {
	m.logger.Info("Stopping machine...")

	if m.keySource != nil {
		m.keySource.Stop()
	}

	// Cancel context to stop the controller
	m.cancel()
	m.wg.Wait()

	// Elements must not block on a queue nobody listens to
	m.queue.Close()

	ctx, cancel := context.WithTimeout(context.Background(), m.config.Shutdown.Timeout)
	defer cancel()

	var errs []error

	g, gctx := errgroup.WithContext(ctx)
	for _, in := range m.inputs {
		p := in.pipeline
		g.Go(func() error {
			return teardown(gctx, p)
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if m.output != nil {
		if err := teardown(ctx, m.output); err != nil {
			errs = append(errs, err)
		}
	}

	if m.device != nil {
		if null, ok := m.device.(*playback.NullDevice); ok {
			m.logger.Info("Discarded output", "frames", null.Frames())
		}
		if err := m.device.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close output device: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		m.logger.Error("Machine stopped with errors", slog.Any("error", err))
		return err
	}
	m.logger.Info("Machine stopped")
	return nil
}

func teardown(ctx context.Context, p *pipeline.Pipeline) error {
	p.Stop()
	if err := p.WaitForStop(ctx); err != nil {
		return err
	}
	if err := p.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate %s: %w", p.Name(), err)
	}
	return nil
}
