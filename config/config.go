package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/gopxl/beep/v2"
	"github.com/spf13/viper"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Input roles.
const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
)

// Config holds all configuration for the application
type Config struct {
	// Audio format and buffering shared by every pipeline
	Audio AudioConfig `mapstructure:"audio"`

	// Inputs, one per mixer slot
	Inputs []InputConfig `mapstructure:"inputs"`

	// Mixer configuration
	Mixer MixerConfig `mapstructure:"mixer"`

	// Actions bind keys to (input, source) activations
	Actions []ActionConfig `mapstructure:"actions"`

	// Output device configuration
	Output OutputConfig `mapstructure:"output"`

	// Storage configuration
	Storage StorageConfig `mapstructure:"storage"`

	// Decoder configuration
	Decoder DecoderConfig `mapstructure:"decoder"`

	// Shutdown configuration
	Shutdown ShutdownConfig `mapstructure:"shutdown"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// AudioConfig holds the native format of the mixer and buffer sizes
type AudioConfig struct {
	SampleRate      int           `mapstructure:"sample_rate"`
	Bits            int           `mapstructure:"bits"`
	Channels        int           `mapstructure:"channels"`
	ChunkFrames     int           `mapstructure:"chunk_frames"`
	RingChunks      int           `mapstructure:"ring_chunks"`
	ResampleQuality int           `mapstructure:"resample_quality"`
	Transition      time.Duration `mapstructure:"transition"`
}

// Format returns the native format.
func (a AudioConfig) Format() beep.Format {
	return beep.Format{
		SampleRate:  beep.SampleRate(a.SampleRate),
		NumChannels: a.Channels,
		Precision:   a.Bits / 8,
	}
}

// InputConfig holds the configuration of one input pipeline
type InputConfig struct {
	Name string `mapstructure:"name"`
	Role string `mapstructure:"role"` // primary or secondary
	// Gain is [switch-off, switch-on] in dB
	Gain []float64 `mapstructure:"gain"`
}

// MixerConfig holds mixer configuration
type MixerConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// ActionConfig maps a key to an activation
type ActionConfig struct {
	Key    string `mapstructure:"key"`
	Input  int    `mapstructure:"input"`
	Source string `mapstructure:"source"`
}

// OutputConfig holds output device configuration
type OutputConfig struct {
	Device   string        `mapstructure:"device"` // speaker, null or file:<path>
	Realtime bool          `mapstructure:"realtime"`
	Buffer   time.Duration `mapstructure:"buffer"`
	Volume   float64       `mapstructure:"volume"`
}

// StorageConfig holds the source storage configuration
type StorageConfig struct {
	Root  string `mapstructure:"root"`
	Cache bool   `mapstructure:"cache"`
}

// DecoderConfig holds decoder configuration
type DecoderConfig struct {
	Codec      string `mapstructure:"codec"` // auto, mp3, wav, ogg or ffmpeg
	FFmpeg     bool   `mapstructure:"ffmpeg"`
	FFmpegExec string `mapstructure:"ffmpeg_exec"`
	BlockSize  int    `mapstructure:"block_size"`
}

// ShutdownConfig holds shutdown configuration
type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.bits", 16)
	v.SetDefault("audio.channels", 2)
	v.SetDefault("audio.chunk_frames", 1024)
	v.SetDefault("audio.ring_chunks", 16)
	v.SetDefault("audio.resample_quality", 4)
	v.SetDefault("audio.transition", "1s")
	v.SetDefault("inputs", []map[string]any{
		{"name": "in0", "role": RolePrimary, "gain": []float64{0, -20}},
		{"name": "in1", "role": RoleSecondary, "gain": []float64{-20, 0}},
	})
	v.SetDefault("mixer.timeout", "0s")
	v.SetDefault("actions", []map[string]any{
		{"key": "rec", "input": 1, "source": "/monster.mp3"},
		{"key": "mode", "input": 1, "source": "/nangong.mp3"},
		{"key": "play", "input": 0, "source": "/fall.mp3"},
		{"key": "set", "input": 0, "source": "/battle.mp3"},
	})
	v.SetDefault("output.device", "speaker")
	v.SetDefault("output.realtime", true)
	v.SetDefault("output.buffer", "100ms")
	v.SetDefault("output.volume", 0)
	v.SetDefault("storage.root", "./media")
	v.SetDefault("storage.cache", false)
	v.SetDefault("decoder.codec", "auto")
	v.SetDefault("decoder.ffmpeg", false)
	v.SetDefault("decoder.ffmpeg_exec", "ffmpeg")
	v.SetDefault("decoder.block_size", 4096)
	v.SetDefault("shutdown.timeout", "5s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load unmarshals the configuration held by v, with defaults applied.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	// Read config file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.downmix")
	viper.AddConfigPath("/etc/downmix")

	// Allow environment variables
	viper.SetEnvPrefix("DOWNMIX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read the config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		slog.Debug("No config file found, using defaults and environment variables")
	} else {
		slog.Info("Using config file", slog.String("file", viper.ConfigFileUsed()))
	}

	return Load(viper.GetViper())
}

// Validate validates the configuration
func (c *Config) Validate() error {
	a := c.Audio
	if a.SampleRate <= 0 {
		return &ConfigError{Field: "audio.sample_rate", Message: "sample rate must be positive"}
	}
	if a.Bits != 8 && a.Bits != 16 && a.Bits != 24 {
		return &ConfigError{Field: "audio.bits", Message: "bits must be 8, 16 or 24"}
	}
	if a.Channels < 1 || a.Channels > 2 {
		return &ConfigError{Field: "audio.channels", Message: "channels must be 1 or 2"}
	}
	if a.ChunkFrames <= 0 {
		return &ConfigError{Field: "audio.chunk_frames", Message: "chunk frames must be positive"}
	}
	if a.RingChunks <= 0 {
		return &ConfigError{Field: "audio.ring_chunks", Message: "ring chunks must be positive"}
	}
	if a.ResampleQuality < 1 || a.ResampleQuality > 64 {
		return &ConfigError{Field: "audio.resample_quality", Message: "resample quality must be within 1..64"}
	}
	if a.Transition < 0 {
		return &ConfigError{Field: "audio.transition", Message: "transition must not be negative"}
	}

	if len(c.Inputs) == 0 {
		return &ConfigError{Field: "inputs", Message: "at least one input is required"}
	}
	names := make(map[string]bool)
	for i, in := range c.Inputs {
		field := fmt.Sprintf("inputs[%d]", i)
		if in.Name == "" {
			return &ConfigError{Field: field + ".name", Message: "input name is required"}
		}
		if names[in.Name] {
			return &ConfigError{Field: field + ".name", Message: "duplicate input name " + in.Name}
		}
		names[in.Name] = true
		if in.Role != RolePrimary && in.Role != RoleSecondary {
			return &ConfigError{Field: field + ".role", Message: "role must be primary or secondary"}
		}
		if len(in.Gain) != 2 {
			return &ConfigError{Field: field + ".gain", Message: "gain must be [off, on] in dB"}
		}
	}

	if c.Mixer.Timeout < 0 {
		return &ConfigError{Field: "mixer.timeout", Message: "timeout must not be negative"}
	}

	keys := make(map[string]bool)
	for i, act := range c.Actions {
		field := fmt.Sprintf("actions[%d]", i)
		key := NormalizeKey(act.Key)
		if key == "" {
			return &ConfigError{Field: field + ".key", Message: "action key is required"}
		}
		if keys[key] {
			return &ConfigError{Field: field + ".key", Message: "duplicate action key " + act.Key}
		}
		keys[key] = true
		if act.Input < 0 || act.Input >= len(c.Inputs) {
			return &ConfigError{Field: field + ".input", Message: fmt.Sprintf("input %d does not exist", act.Input)}
		}
		if act.Source == "" {
			return &ConfigError{Field: field + ".source", Message: "action source is required"}
		}
	}

	switch d := c.Output.Device; {
	case d == "speaker", d == "null":
	case strings.HasPrefix(d, "file:") && len(d) > len("file:"):
	default:
		return &ConfigError{Field: "output.device", Message: "device must be speaker, null or file:<path>"}
	}

	if c.Storage.Root == "" {
		return &ConfigError{Field: "storage.root", Message: "storage root is required"}
	}

	switch c.Decoder.Codec {
	case "auto", "mp3", "wav", "ogg":
	case "ffmpeg":
		if !c.Decoder.FFmpeg {
			return &ConfigError{Field: "decoder.codec", Message: "ffmpeg codec requires decoder.ffmpeg"}
		}
	default:
		return &ConfigError{Field: "decoder.codec", Message: "unknown codec " + c.Decoder.Codec}
	}
	if c.Decoder.FFmpeg && c.Decoder.FFmpegExec == "" {
		return &ConfigError{Field: "decoder.ffmpeg_exec", Message: "ffmpeg executable is required"}
	}

	if c.Shutdown.Timeout <= 0 {
		return &ConfigError{Field: "shutdown.timeout", Message: "shutdown timeout must be positive"}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return &ConfigError{Field: "logging.format", Message: "format must be text or json"}
	}
	return nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}

// NormalizeKey folds a key name to lower case ASCII without accents or
// surrounding blanks.
func NormalizeKey(key string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, key)
	if err != nil {
		s = key
	}
	return strings.ToLower(strings.TrimSpace(s))
}
