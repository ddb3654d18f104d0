package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPath(t *testing.T) {
	cfg := Defaults()
	cfg.Converter.Command = []string{"mapeo-convert"}

	tests := []struct {
		name    string
		path    string
		want    any
		wantErr bool
	}{
		{name: "root service field", path: "service.name", want: "tilepack"},
		{name: "nested int", path: "pipeline.workers", want: 2},
		{name: "archive field", path: "archive.inner_root", want: "default"},
		{name: "invalid path", path: "service.missing", wantErr: true},
		{name: "through a scalar", path: "service.name.more", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cfg.GetPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetPathPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: before\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, cfg.SetPath("pipeline.workers", "4", true))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, reloaded.Pipeline.Workers)
	assert.Equal(t, "before", reloaded.Service.Name)
}

func TestSetPathRollsBackInvalidValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	original := "service:\n  name: keep\n"
	require.NoError(t, os.WriteFile(path, []byte(original), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	err = cfg.SetPath("pipeline.workers", "0", true)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "validation failed"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, string(data))
}

func TestSetPathWithoutFile(t *testing.T) {
	assert.Error(t, Defaults().SetPath("service.name", "x", false))
}

func TestSetPathRejectsUnknownAndNonScalar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: keep\n"), 0644))
	cfg, err := Load(path)
	require.NoError(t, err)

	for _, p := range []string{"pipeline.nope", "bogus", "pipeline", "converter.command", "", "a..b"} {
		assert.Error(t, cfg.SetPath(p, "1", false), p)
	}
	assert.NoError(t, cfg.SetPath("api.auth.api_key", "secret", false))
	assert.NoError(t, cfg.SetPath("install.target_dir", "/srv/maps", false))
}

func TestSetPathKeepsLockedConfigLoadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: locked\n"), 0644))
	_, err := Lock(path, false)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.SetPath("pipeline.workers", "3", true))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.Pipeline.Workers)

	manifest, err := LoadChecksums(dir)
	require.NoError(t, err)
	hash, err := ComputeBlake3Hash(path)
	require.NoError(t, err)
	assert.Equal(t, hash, manifest.Hashes["config.yaml"])
}

func TestSetPathRollbackRestoresManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: locked\n"), 0644))
	_, err := Lock(path, false)
	require.NoError(t, err)
	before, err := os.ReadFile(filepath.Join(dir, ".checksums"))
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Error(t, cfg.SetPath("pipeline.workers", "0", true))

	after, err := os.ReadFile(filepath.Join(dir, ".checksums"))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	_, err = Load(path)
	assert.NoError(t, err)
}

func TestCorruptManifestFailsLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: x\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".checksums"), []byte("version: 9\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported checksums version")
}

func TestGuessTag(t *testing.T) {
	assert.Equal(t, "!!bool", guessTag("true"))
	assert.Equal(t, "!!int", guessTag("-12"))
	assert.Equal(t, "!!str", guessTag("-"))
	assert.Equal(t, "!!str", guessTag("5m"))
	assert.Equal(t, "!!str", guessTag(""))
}
