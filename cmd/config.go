package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gingerologist/downmix-pipeline/config"
	"github.com/gingerologist/downmix-pipeline/logger"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  "Commands for managing and validating downmix configuration.",
}

// configValidateCmd validates the current configuration
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  "Validate the current configuration file and environment variables.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Setup basic logging for validation
		if err := logger.Setup("info", "text"); err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}

		// Load configuration
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// Validate configuration
		if err := cfg.Validate(); err != nil {
			slog.Error("Configuration validation failed", slog.Any("error", err))
			return err
		}

		slog.Info("Configuration is valid")
		fmt.Println("✅ Configuration is valid")
		return nil
	},
}

// configShowCmd shows the current configuration
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the current configuration values from file and environment variables.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Setup basic logging
		if err := logger.Setup("info", "text"); err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}

		// Load configuration
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		a := cfg.Audio
		fmt.Println("Current Configuration:")
		fmt.Printf("  Audio:\n")
		fmt.Printf("    Format: %d Hz, %d bits, %d channels\n", a.SampleRate, a.Bits, a.Channels)
		fmt.Printf("    Chunk: %d frames x %d\n", a.ChunkFrames, a.RingChunks)
		fmt.Printf("    Resample quality: %d\n", a.ResampleQuality)
		fmt.Printf("    Transition: %s\n", a.Transition)
		fmt.Printf("  Inputs:\n")
		for i, in := range cfg.Inputs {
			fmt.Printf("    %d: %s (%s) gain %s\n", i, in.Name, in.Role, gains(in.Gain))
		}
		fmt.Printf("  Mixer:\n")
		fmt.Printf("    Timeout: %s\n", cfg.Mixer.Timeout)
		fmt.Printf("  Actions:\n")
		for _, act := range cfg.Actions {
			fmt.Printf("    %s: %s on input %d\n", act.Key, act.Source, act.Input)
		}
		fmt.Printf("  Output:\n")
		fmt.Printf("    Device: %s\n", cfg.Output.Device)
		fmt.Printf("    Realtime: %t\n", cfg.Output.Realtime)
		fmt.Printf("    Buffer: %s\n", cfg.Output.Buffer)
		fmt.Printf("    Volume: %.1f dB\n", cfg.Output.Volume)
		fmt.Printf("  Storage:\n")
		fmt.Printf("    Root: %s\n", cfg.Storage.Root)
		fmt.Printf("    Cache: %t\n", cfg.Storage.Cache)
		fmt.Printf("  Decoder:\n")
		fmt.Printf("    Codec: %s\n", cfg.Decoder.Codec)
		fmt.Printf("    FFmpeg: %t (%s)\n", cfg.Decoder.FFmpeg, cfg.Decoder.FFmpegExec)
		fmt.Printf("  Shutdown:\n")
		fmt.Printf("    Timeout: %s\n", cfg.Shutdown.Timeout)
		fmt.Printf("  Logging:\n")
		fmt.Printf("    Level: %s\n", cfg.Logging.Level)
		fmt.Printf("    Format: %s\n", cfg.Logging.Format)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}

// gains formats an [off, on] gain pair
func gains(g []float64) string {
	if len(g) != 2 {
		return fmt.Sprint(g)
	}
	return fmt.Sprintf("off %.1f dB, on %.1f dB", g[0], g[1])
}
