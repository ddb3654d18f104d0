package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// remoteKinds name filesystems whose advisory locks do not hold across hosts
// or through the VM boundary.
var remoteKinds = []string{"9p", "afpfs", "afs", "ceph", "cifs", "fuse", "nfs", "remote", "smb2", "smbfs", "webdav"}

// ErrRemoteFilesystem is wrapped by CheckLocal when path is not on local disk.
var ErrRemoteFilesystem = errors.New("remote filesystem")

// CheckLocal fails when path, or its nearest existing parent, is on a network
// or shared filesystem. The history database and the install lock files both
// need local advisory locking.
func CheckLocal(path string) error {
	return checkLocalWith(path, filesystemKind)
}

func checkLocalWith(path string, kindOf func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	probe, err := existingAncestor(path)
	if err != nil {
		return err
	}
	kind, err := kindOf(probe)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", probe, err)
	}
	if isRemote(kind) {
		return fmt.Errorf("%q is on %s filesystem: %w; file locking is unreliable there, use a path on local disk", path, kind, ErrRemoteFilesystem)
	}
	return nil
}

// existingAncestor returns path itself if it exists, else its closest parent
// that does.
func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	for dir := abs; ; {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		dir = parent
	}
}

func isRemote(kind string) bool {
	return slices.Contains(remoteKinds, strings.ToLower(strings.TrimSpace(kind)))
}
