package machine

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gingerologist/downmix-pipeline/config"
	"github.com/gingerologist/downmix-pipeline/event"
)

// DefaultDebounce is the minimum delay between two actions of the same key.
const DefaultDebounce = 200 * time.Millisecond

// Binding is what a key activates.
type Binding struct {
	Input  int
	Source string
}

// Bindings maps normalized keys to activations.
type Bindings struct {
	mu   sync.RWMutex
	keys map[string]Binding
}

func NewBindings() *Bindings {
	return &Bindings{keys: make(map[string]Binding)}
}

// BindingsFromConfig builds the bindings of the configured actions.
func BindingsFromConfig(actions []config.ActionConfig) *Bindings {
	b := NewBindings()
	for _, a := range actions {
		b.Bind(a.Key, a.Input, a.Source)
	}
	return b
}

// Bind binds key, replacing any previous binding.
func (b *Bindings) Bind(key string, input int, source string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys[config.NormalizeKey(key)] = Binding{Input: input, Source: source}
}

func (b *Bindings) Lookup(key string) (Binding, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bd, ok := b.keys[config.NormalizeKey(key)]
	return bd, ok
}

// Keys returns the bound keys, sorted.
func (b *Bindings) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.keys))
	for k := range b.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sender is where key actions are delivered.
type Sender interface {
	Send(ctx context.Context, ev event.Event) error
}

// KeySource turns the lines of a reader into debounced key actions.
type KeySource struct {
	r        io.Reader
	sink     Sender
	debounce time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	last   map[string]time.Time
}

// NewKeySource creates a key source. A negative debounce uses
// DefaultDebounce.
func NewKeySource(r io.Reader, sink Sender, debounce time.Duration) *KeySource {
	if debounce < 0 {
		debounce = DefaultDebounce
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &KeySource{
		r:        r,
		sink:     sink,
		debounce: debounce,
		logger:   slog.With("component", "keys"),
		ctx:      ctx,
		cancel:   cancel,
		last:     make(map[string]time.Time),
	}
}

// Start begins reading keys.
func (k *KeySource) Start() {
	lines := make(chan string)

	// the scanner may block forever on a terminal, it is not waited for
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(k.r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-k.ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			k.logger.Error("Failed to read keys", slog.Any("error", err))
		}
	}()

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()

		k.logger.Info("Listening for keys")
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					k.logger.Info("Key input closed")
					return
				}
				k.press(line, time.Now())
			case <-k.ctx.Done():
				k.logger.Info("Key listening stopped")
				return
			}
		}
	}()
}

func (k *KeySource) press(line string, now time.Time) {
	key := config.NormalizeKey(line)
	if key == "" {
		return
	}
	if last, ok := k.last[key]; ok && now.Sub(last) < k.debounce {
		k.logger.Debug("Debounced key", "key", key)
		return
	}
	k.last[key] = now

	if err := k.sink.Send(k.ctx, event.Action{Key: key}); err != nil {
		k.logger.Warn("Dropped key", "key", key, slog.Any("error", err))
	}
}

// Stop stops reading keys and waits for the dispatch goroutine.
func (k *KeySource) Stop() {
	k.cancel()
	k.wg.Wait()
}
