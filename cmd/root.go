package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gingerologist/downmix-pipeline/config"
	"github.com/gingerologist/downmix-pipeline/logger"
	"github.com/gingerologist/downmix-pipeline/machine"
)

var (
	cfgFile string
	verbose bool
	noKeys  bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "downmix",
	Short: "A two-source audio player with crossfading downmix",
	Long: `Downmix plays two independent audio sources through per-source decode
pipelines, blends them in a downmixer with a gain-based crossfade and renders
the result to a single output device.

Key actions are read from standard input, one per line. Each configured key
starts a source on an input; starting the secondary input fades the primary
one down until it ends.`,
	RunE: runServer,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringP("device", "d", "speaker", "output device (speaker, null, file:<path>)")
	rootCmd.PersistentFlags().StringP("root", "r", "./media", "directory sources are resolved in")
	rootCmd.PersistentFlags().Int("sample-rate", 48000, "native sample rate of the mixer")
	rootCmd.PersistentFlags().Duration("transition", time.Second, "crossfade duration")
	rootCmd.PersistentFlags().Bool("realtime", true, "pace devices that do not pace themselves")
	rootCmd.PersistentFlags().Bool("ffmpeg", false, "decode unknown formats with ffmpeg")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	// Local flags for the server command
	rootCmd.Flags().BoolVar(&noKeys, "no-keys", false, "do not read key actions from stdin")

	// Bind flags to viper
	viper.BindPFlag("output.device", rootCmd.PersistentFlags().Lookup("device"))
	viper.BindPFlag("storage.root", rootCmd.PersistentFlags().Lookup("root"))
	viper.BindPFlag("audio.sample_rate", rootCmd.PersistentFlags().Lookup("sample-rate"))
	viper.BindPFlag("audio.transition", rootCmd.PersistentFlags().Lookup("transition"))
	viper.BindPFlag("output.realtime", rootCmd.PersistentFlags().Lookup("realtime"))
	viper.BindPFlag("decoder.ffmpeg", rootCmd.PersistentFlags().Lookup("ffmpeg"))
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if verbose {
		viper.Set("logging.level", "debug")
	}
}

// setup loads, validates and applies the configuration.
func setup() (*config.Config, error) {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Setup logging
	if err := logger.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	logger.WithFields("version", Version, "commit", GitCommit).Debug("Configuration loaded")
	return cfg, nil
}

// runServer starts the main application
func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	var opts []machine.Option
	if !noKeys {
		opts = append(opts, machine.WithKeys(cmd.InOrStdin()))
	}

	// Create and initialize the machine
	m := machine.New(cfg, opts...)
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize machine: %w", err)
	}

	// Start the machine
	if err := m.Start(); err != nil {
		return fmt.Errorf("failed to start machine: %w", err)
	}
	printKeys(cmd.OutOrStdout(), cfg, m.Bindings())

	// Setup graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	// Wait for shutdown signal or error
	select {
	case sig := <-signalChan:
		fmt.Printf("\nReceived %s, shutting down gracefully...\n", sig)
	case err := <-m.Error():
		slog.Error("Machine failed", slog.Any("error", err))
	}

	// Graceful shutdown
	if err := m.Stop(); err != nil {
		return fmt.Errorf("failed to stop machine gracefully: %w", err)
	}

	return nil
}

func printKeys(w io.Writer, cfg *config.Config, b *machine.Bindings) {
	keys := b.Keys()
	if noKeys || len(keys) == 0 {
		return
	}
	fmt.Fprintln(w, "Keys:")
	for _, key := range keys {
		bd, _ := b.Lookup(key)
		fmt.Fprintf(w, "  %-6s %s on %s\n", key, bd.Source, cfg.Inputs[bd.Input].Name)
	}
}
