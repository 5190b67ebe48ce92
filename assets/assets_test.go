package assets_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gingerologist/downmix-pipeline/assets"
)

func newBase(t *testing.T) afero.Fs {
	t.Helper()
	base := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(base, "/media/test.mp3", []byte("ID3"), 0o644))
	require.NoError(t, afero.WriteFile(base, "/media/sub/b.WAV", []byte("RIFF"), 0o644))
	require.NoError(t, afero.WriteFile(base, "/media/notes.txt", []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(base, "/outside.mp3", []byte("ID3"), 0o644))
	return base
}

func TestProviderResolve(t *testing.T) {
	p := assets.New(newBase(t), "/media", false)
	assert.Equal(t, "/media", p.Root())

	ok, err := p.Exists("/test.mp3")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Exists("/outside.mp3")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.Exists("/sub")
	require.NoError(t, err)
	assert.False(t, ok)

	data, err := afero.ReadFile(p.FS(), "/test.mp3")
	require.NoError(t, err)
	assert.Equal(t, "ID3", string(data))
}

func TestProviderReadOnly(t *testing.T) {
	p := assets.New(newBase(t), "/media", false)
	_, err := p.FS().Create("/new.mp3")
	assert.Error(t, err)
}

func TestProviderList(t *testing.T) {
	p := assets.New(newBase(t), "/media", false)
	files, err := p.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"/sub/b.WAV", "/test.mp3"}, files)
}

func TestProviderCheck(t *testing.T) {
	p := assets.New(newBase(t), "/media", false)
	missing := p.Check([]string{"/test.mp3", "/gone.mp3", "/sub/b.WAV"})
	assert.Equal(t, []string{"/gone.mp3"}, missing)
}

func TestProviderPreload(t *testing.T) {
	base := newBase(t)
	p := assets.New(base, "/media", true)
	assert.Equal(t, 1, p.Preload([]string{"/test.mp3", "/gone.mp3"}))

	// served from the memory layer after the backing file is gone
	require.NoError(t, base.Remove("/media/test.mp3"))
	data, err := afero.ReadFile(p.FS(), "/test.mp3")
	require.NoError(t, err)
	assert.Equal(t, "ID3", string(data))

	assert.Zero(t, assets.New(base, "/media", false).Preload([]string{"/sub/b.WAV"}))
}
