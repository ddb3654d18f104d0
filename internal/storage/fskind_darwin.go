package storage

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

func filesystemKind(path string) (string, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}
	// macFUSE reports its own type names, e.g. "macfuse" or "osxfuse".
	name := unix.ByteSliceToString(st.Fstypename[:])
	if strings.HasSuffix(name, "fuse") {
		return "fuse", nil
	}
	return name, nil
}
