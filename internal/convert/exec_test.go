package convert

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tilepack/internal/jobs"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "convert.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestNewExecConverterValidation(t *testing.T) {
	_, err := NewExecConverter(nil, 0)
	assert.Error(t, err)

	_, err = NewExecConverter([]string{"  "}, 0)
	assert.Error(t, err)
}

func TestExecConverterArgs(t *testing.T) {
	c, err := NewExecConverter([]string{"mbtiles-to-asar", "--in={input}", "{output}"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"mbtiles-to-asar", "--in=/a.mbtiles", "/ws/default"}, c.Args("/a.mbtiles", "/ws/default"))

	c, err = NewExecConverter([]string{"mbtiles-to-asar"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"mbtiles-to-asar", "/a.mbtiles", "/ws/default"}, c.Args("/a.mbtiles", "/ws/default"))
}

func TestExecConverterSuccess(t *testing.T) {
	script := writeScript(t, `mkdir -p "$2" && cp "$1" "$2/tiles.asar"`)
	c, err := NewExecConverter([]string{script}, time.Second)
	require.NoError(t, err)

	src := writeSource(t)
	dst := filepath.Join(t.TempDir(), "default")
	require.NoError(t, NewRunner(c).Run(context.Background(), src, dst))
	assert.FileExists(t, filepath.Join(dst, "tiles.asar"))
}

func TestExecConverterFailureCapturesStderr(t *testing.T) {
	script := writeScript(t, `echo "invalid mbtiles header" >&2; exit 3`)
	c, err := NewExecConverter([]string{script}, time.Second)
	require.NoError(t, err)

	err = c.Convert(context.Background(), "/nope.mbtiles", filepath.Join(t.TempDir(), "out"))
	var ce *jobs.ConversionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "invalid mbtiles header", ce.Stderr)
	assert.Contains(t, err.Error(), "exit status 3")
}

func TestExecConverterMissingBinary(t *testing.T) {
	c, err := NewExecConverter([]string{filepath.Join(t.TempDir(), "does-not-exist")}, time.Second)
	require.NoError(t, err)

	err = c.Convert(context.Background(), "/a", "/b")
	var ce *jobs.ConversionError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "start converter")
}

func TestExecConverterTerminatedOnTimeout(t *testing.T) {
	script := writeScript(t, `exec sleep 30`)
	c, err := NewExecConverter([]string{script}, 200*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = c.Convert(ctx, "/a", "/b")
	var ce *jobs.ConversionError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestTruncateStderrKeepsTail(t *testing.T) {
	long := strings.Repeat("x", maxStderrBytes+100) + "fatal: bad tile"
	got := truncateStderr(long)
	assert.Len(t, got, maxStderrBytes)
	assert.True(t, strings.HasSuffix(got, "fatal: bad tile"))
	assert.Equal(t, "msg", truncateStderr("  msg\n"))
}

func TestTailBufferRetainsNewestBytes(t *testing.T) {
	b := &tailBuffer{max: 8}
	for _, chunk := range []string{"abc", "defg", "hij"} {
		n, err := b.Write([]byte(chunk))
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}
	assert.Equal(t, "cdefghij", b.String())

	n, err := b.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "23456789", b.String())
}

func TestExecConverterCapsChattyOutput(t *testing.T) {
	script := writeScript(t, `i=0; while [ $i -lt 3000 ]; do echo "progress line $i padding padding padding"; i=$((i+1)); done; echo "last words" >&2; exit 1`)
	c, err := NewExecConverter([]string{script}, time.Second)
	require.NoError(t, err)

	err = c.Convert(context.Background(), "/a.mbtiles", filepath.Join(t.TempDir(), "out"))
	var ce *jobs.ConversionError
	require.ErrorAs(t, err, &ce)
	assert.LessOrEqual(t, len(ce.Stderr), maxStderrBytes)
	assert.True(t, strings.HasSuffix(ce.Stderr, "last words"), ce.Stderr[len(ce.Stderr)-40:])
}
