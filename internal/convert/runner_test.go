package convert

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tilepack/internal/jobs"
	"github.com/mattjoyce/tilepack/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

func writeSource(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "map.mbtiles")
	require.NoError(t, os.WriteFile(src, []byte("SQLite format 3\x00"), 0o644))
	return src
}

func populate(ctx context.Context, in, out string) error {
	if err := os.MkdirAll(filepath.Join(out, "tiles"), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(out, "style.json"), []byte(`{"version":8}`), 0o644)
}

func TestRunnerSuccess(t *testing.T) {
	src := writeSource(t)
	dst := filepath.Join(t.TempDir(), "job", "default")

	var gotIn, gotOut string
	r := NewRunner(ConverterFunc(func(ctx context.Context, in, out string) error {
		gotIn, gotOut = in, out
		return populate(ctx, in, out)
	}))

	require.NoError(t, r.Run(context.Background(), src, dst))
	assert.Equal(t, src, gotIn)
	assert.Equal(t, dst, gotOut)
	assert.FileExists(t, filepath.Join(dst, "style.json"))
}

func TestRunnerUnreadableSource(t *testing.T) {
	called := false
	r := NewRunner(ConverterFunc(func(ctx context.Context, in, out string) error {
		called = true
		return nil
	}))

	err := r.Run(context.Background(), filepath.Join(t.TempDir(), "missing.mbtiles"), filepath.Join(t.TempDir(), "out"))
	var ce *jobs.ConversionError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.False(t, called, "converter must not run for unreadable source")
}

func TestRunnerSourceIsDirectory(t *testing.T) {
	r := NewRunner(ConverterFunc(populate))
	err := r.Run(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "out"))
	var ce *jobs.ConversionError
	require.ErrorAs(t, err, &ce)
}

func TestRunnerDestinationMustNotExist(t *testing.T) {
	src := writeSource(t)
	dst := t.TempDir()

	r := NewRunner(ConverterFunc(populate))
	err := r.Run(context.Background(), src, dst)
	var ce *jobs.ConversionError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "already exists")
}

func TestRunnerCollaboratorError(t *testing.T) {
	src := writeSource(t)
	formatErr := errors.New("not an mbtiles file")

	r := NewRunner(ConverterFunc(func(ctx context.Context, in, out string) error {
		return formatErr
	}))
	err := r.Run(context.Background(), src, filepath.Join(t.TempDir(), "out"))

	var ce *jobs.ConversionError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, formatErr)
	assert.Equal(t, src, ce.Source)
}

func TestRunnerRemovesPartialOutput(t *testing.T) {
	src := writeSource(t)
	dst := filepath.Join(t.TempDir(), "out")

	for name, conv := range map[string]ConverterFunc{
		"error": func(ctx context.Context, in, out string) error {
			require.NoError(t, populate(ctx, in, out))
			return errors.New("ran out of disk")
		},
		"panic": func(ctx context.Context, in, out string) error {
			require.NoError(t, populate(ctx, in, out))
			panic("boom")
		},
	} {
		err := NewRunner(conv).Run(context.Background(), src, dst)
		require.Error(t, err, name)
		assert.NoDirExists(t, dst, name)
	}
}

func TestRunnerCollaboratorPanics(t *testing.T) {
	src := writeSource(t)
	r := NewRunner(ConverterFunc(func(ctx context.Context, in, out string) error {
		panic("boom")
	}))

	err := r.Run(context.Background(), src, filepath.Join(t.TempDir(), "out"))
	var ce *jobs.ConversionError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "panicked")
}

func TestRunnerCollaboratorCreatedNothing(t *testing.T) {
	src := writeSource(t)
	r := NewRunner(ConverterFunc(func(ctx context.Context, in, out string) error { return nil }))

	err := r.Run(context.Background(), src, filepath.Join(t.TempDir(), "out"))
	var ce *jobs.ConversionError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "did not create")
}

func TestRunnerTimeout(t *testing.T) {
	src := writeSource(t)
	r := NewRunner(ConverterFunc(func(ctx context.Context, in, out string) error {
		<-ctx.Done()
		return ctx.Err()
	}), WithTimeout(20*time.Millisecond))

	err := r.Run(context.Background(), src, filepath.Join(t.TempDir(), "out"))
	var ce *jobs.ConversionError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timed out")
}
