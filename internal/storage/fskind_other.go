//go:build !darwin && !linux && !windows

package storage

import "fmt"

func filesystemKind(path string) (string, error) {
	return "", fmt.Errorf("filesystem detection is unsupported on this platform")
}
