// Package assets resolves source identifiers to audio files below a storage
// root.
package assets

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// extensions lists the file types List reports.
var extensions = []string{".mp3", ".wav", ".ogg", ".flac", ".m4a", ".aac"}

// Provider is a read-only view of the storage root. Source identifiers such
// as "/music/a.mp3" are resolved relative to the root.
type Provider struct {
	fs     afero.Fs
	root   string
	cached bool
	logger *slog.Logger
}

// New mounts root on base. With cache set, files are copied into memory the
// first time they are read.
func New(base afero.Fs, root string, cache bool) *Provider {
	var fsys afero.Fs = afero.NewReadOnlyFs(afero.NewBasePathFs(base, root))
	if cache {
		fsys = afero.NewCacheOnReadFs(fsys, afero.NewMemMapFs(), 0)
	}
	return &Provider{
		fs:     fsys,
		root:   root,
		cached: cache,
		logger: slog.With("component", "assets", "root", root),
	}
}

// FS returns the filesystem readers open sources on.
func (p *Provider) FS() afero.Fs { return p.fs }

func (p *Provider) Root() string { return p.root }

// Exists reports whether uri names a regular file.
func (p *Provider) Exists(uri string) (bool, error) {
	info, err := p.fs.Stat(uri)
	if err != nil {
		if ok, _ := afero.Exists(p.fs, uri); !ok {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// List returns every audio file below the root, sorted.
func (p *Provider) List() ([]string, error) {
	var out []string
	err := afero.Walk(p.fs, "/", func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !isAudio(path) {
			return nil
		}
		out = append(out, filepath.ToSlash(path))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", p.root, err)
	}
	sort.Strings(out)
	return out, nil
}

// Check logs and returns the sources that cannot be found.
func (p *Provider) Check(sources []string) []string {
	var missing []string
	for _, src := range sources {
		ok, err := p.Exists(src)
		switch {
		case err != nil:
			p.logger.Warn("Failed to check source", "source", src, "error", err)
			missing = append(missing, src)
		case !ok:
			p.logger.Warn("Source not found", "source", src)
			missing = append(missing, src)
		}
	}
	return missing
}

// Preload reads sources once so later plays are served from memory. It is a
// no-op without cache.
func (p *Provider) Preload(sources []string) int {
	if !p.cached {
		return 0
	}

	p.logger.Info("Preloading audio files...")
	loaded := 0
	for _, src := range sources {
		if _, err := afero.ReadFile(p.fs, src); err != nil {
			p.logger.Warn("Failed to preload", "source", src, "error", err)
			continue
		}
		loaded++
	}
	p.logger.Info("Preloading complete", "loaded", loaded)
	return loaded
}

func isAudio(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}
