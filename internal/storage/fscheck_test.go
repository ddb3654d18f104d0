package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestCheckLocalAllowsLocalFS(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "history.db")
	for _, kind := range []string{"apfs", "0xef53", "local"} {
		if err := checkLocalWith(p, func(string) (string, error) { return kind, nil }); err != nil {
			t.Fatalf("%s: expected local filesystem to pass, got: %v", kind, err)
		}
	}
}

func TestCheckLocalRejectsRemoteKinds(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "styles", "default")
	for _, kind := range []string{"smbfs", "NFS", " 9p ", "fuse", "remote"} {
		err := checkLocalWith(p, func(string) (string, error) { return kind, nil })
		if !errors.Is(err, ErrRemoteFilesystem) {
			t.Fatalf("%q: error = %v, want ErrRemoteFilesystem", kind, err)
		}
	}
}

func TestCheckLocalProbesNearestExistingParent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var probed string
	err := checkLocalWith(filepath.Join(root, "styles", "default"), func(p string) (string, error) {
		probed = p
		return "ext4", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if probed != root {
		t.Fatalf("expected probe of %q, got %q", root, probed)
	}
}

func TestCheckLocalDetectorError(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("boom")
	err := checkLocalWith(t.TempDir(), func(string) (string, error) { return "", sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("error = %v, want wrapped detector error", err)
	}
}

func TestCheckLocalEmptyPath(t *testing.T) {
	t.Parallel()

	if err := CheckLocal(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
