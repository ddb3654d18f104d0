package storage

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/windows"
)

func filesystemKind(path string) (string, error) {
	vol := filepath.VolumeName(path)
	if vol == "" {
		return "", fmt.Errorf("no volume in %q", path)
	}
	root, err := windows.UTF16PtrFromString(vol + `\`)
	if err != nil {
		return "", err
	}
	if windows.GetDriveType(root) == windows.DRIVE_REMOTE {
		return "remote", nil
	}
	return "local", nil
}
