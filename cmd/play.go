package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gingerologist/downmix-pipeline/config"
	"github.com/gingerologist/downmix-pipeline/machine"
)

var (
	playInterval time.Duration
	playFiles    []string
)

// playCmd triggers key actions and exits once the output drained
var playCmd = &cobra.Command{
	Use:   "play [KEY...]",
	Short: "Trigger key actions and wait until playback ends",
	Long: `Trigger the actions bound to the given keys, in order, then wait until
nothing is playing any more. A pause between keys can be set with --interval,
for instance to start the secondary input while the primary one plays.

Sources can also be started without a key binding with --file INPUT=PATH,
where INPUT is the name or the index of an input. Files start before keys.`,
	Example: "  downmix play set rec --interval 2s\n  downmix play --file primary=/music/a.mp3",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && len(playFiles) == 0 {
			return fmt.Errorf("requires at least one key or --file")
		}
		return nil
	},
	RunE:    runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)
	playCmd.Flags().DurationVar(&playInterval, "interval", 0, "pause between two keys")
	playCmd.Flags().StringArrayVar(&playFiles, "file", nil, "start PATH on an input without a key (INPUT=PATH)")
}

func runPlay(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	m := machine.New(cfg)
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize machine: %w", err)
	}
	if err := m.Start(); err != nil {
		return fmt.Errorf("failed to start machine: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = activate(ctx, m, cfg, playFiles)
	if err == nil {
		err = press(ctx, m, args)
	}
	if err == nil {
		err = waitIdle(ctx, m)
	}

	if stopErr := m.Stop(); stopErr != nil {
		return fmt.Errorf("failed to stop machine gracefully: %w", stopErr)
	}
	return err
}

func activate(ctx context.Context, m *machine.Machine, cfg *config.Config, files []string) error {
	for _, arg := range files {
		i, source, err := parseFile(cfg, arg)
		if err != nil {
			return err
		}
		if err := m.Activate(ctx, i, source); err != nil {
			return fmt.Errorf("failed to start %s: %w", source, err)
		}
	}
	return nil
}

// parseFile splits INPUT=PATH, resolving INPUT by name or index.
func parseFile(cfg *config.Config, arg string) (int, string, error) {
	input, source, ok := strings.Cut(arg, "=")
	if !ok || source == "" {
		return 0, "", fmt.Errorf("invalid --file %q, want INPUT=PATH", arg)
	}
	for i, in := range cfg.Inputs {
		if in.Name == input {
			return i, source, nil
		}
	}
	i, err := strconv.Atoi(input)
	if err != nil || i < 0 || i >= len(cfg.Inputs) {
		return 0, "", fmt.Errorf("unknown input %q", input)
	}
	return i, source, nil
}

func press(ctx context.Context, m *machine.Machine, keys []string) error {
	for i, key := range keys {
		if _, ok := m.Bindings().Lookup(key); !ok {
			return fmt.Errorf("no action bound to key %q", key)
		}
		if i > 0 && playInterval > 0 {
			select {
			case <-time.After(playInterval):
			case <-ctx.Done():
				return nil
			}
		}
		if err := m.Press(ctx, key); err != nil {
			return fmt.Errorf("failed to press %q: %w", key, err)
		}
	}
	return nil
}

// waitIdle returns once everything pressed has played, the machine failed or
// ctx is done.
func waitIdle(ctx context.Context, m *machine.Machine) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	idle := make(chan error, 1)
	go func() { idle <- m.WaitIdle(ctx) }()

	select {
	case err := <-idle:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case err := <-m.Error():
		return err
	}
}
