// Package install replaces a live Mapeo styles directory with converted
// output, keeping every previous version as a numbered sibling backup.
package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/mattjoyce/tilepack/internal/jobs"
	"github.com/mattjoyce/tilepack/internal/lock"
	"github.com/mattjoyce/tilepack/internal/log"
)

// Report describes a finished install.
type Report struct {
	TargetDir string `json:"targetDir"`
	BackupDir string `json:"backupDir,omitempty"`
	Files     int    `json:"files"`
	Bytes     int64  `json:"bytes"`
}

// Manager performs installs. Calls against the same target are serialized in
// process and, through a lock file beside the target, across processes.
type Manager struct {
	mu      sync.Mutex
	targets map[string]*sync.Mutex
	logger  *slog.Logger
}

func NewManager() *Manager {
	return &Manager{
		targets: make(map[string]*sync.Mutex),
		logger:  log.WithComponent("install"),
	}
}

// Install backs up targetDir (if present) by renaming it to the lowest free
// targetDir-N, then copies newContentDir into targetDir.
//
// A failure before the rename leaves the filesystem untouched. A failure
// during the copy leaves the backup in place and names it in the returned
// *jobs.InstallError; the partial copy is not rolled back.
func (m *Manager) Install(ctx context.Context, newContentDir, targetDir string) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	src, err := checkSource(newContentDir)
	if err != nil {
		return Report{}, err
	}
	if targetDir == "" {
		return Report{}, &jobs.InputError{Msg: "install target directory is empty"}
	}
	target, err := filepath.Abs(targetDir)
	if err != nil {
		return Report{}, &jobs.InputError{Msg: "resolve install target", Err: err}
	}
	if target == src || strings.HasPrefix(src, target+string(os.PathSeparator)) {
		return Report{}, &jobs.InputError{Msg: "install source must not live inside the target directory"}
	}
	if strings.HasPrefix(target, src+string(os.PathSeparator)) {
		return Report{}, &jobs.InputError{Msg: "install target must not live inside the source directory"}
	}

	logger := log.WithTarget(target)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Report{}, &jobs.InstallError{Step: "prepare", TargetDir: target, Err: err}
	}

	unlock := m.lockTarget(target)
	defer unlock()

	dl, err := lock.LockDir(ctx, target)
	if err != nil {
		return Report{}, &jobs.InstallError{Step: "lock", TargetDir: target, Err: err}
	}
	defer func() { _ = dl.Release() }()

	report := Report{TargetDir: target}

	if _, err := os.Lstat(target); err == nil {
		backup, err := NextBackupDir(target)
		if err != nil {
			return Report{}, &jobs.InstallError{Step: "backup", TargetDir: target, Err: err}
		}
		if err := os.Rename(target, backup); err != nil {
			return Report{}, &jobs.InstallError{Step: "backup", TargetDir: target, Err: err}
		}
		report.BackupDir = backup
		logger.Info("backed up existing install", "backup_dir", backup)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Report{}, &jobs.InstallError{Step: "prepare", TargetDir: target, Err: err}
	}

	files, bytes, err := copyTree(ctx, src, target)
	if err != nil {
		return report, &jobs.InstallError{Step: "copy", TargetDir: target, BackupDir: report.BackupDir, Err: err}
	}
	report.Files = files
	report.Bytes = bytes

	logger.Info("install complete", "source_dir", src, "files", files, "bytes", bytes)
	return report, nil
}

func (m *Manager) lockTarget(target string) func() {
	m.mu.Lock()
	mu, ok := m.targets[target]
	if !ok {
		mu = &sync.Mutex{}
		m.targets[target] = mu
	}
	m.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func checkSource(dir string) (string, error) {
	if dir == "" {
		return "", &jobs.InputError{Msg: "no output directory received"}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", &jobs.InputError{Msg: "resolve output directory", Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", &jobs.InputError{Msg: "output directory unavailable", Err: err}
	}
	if !info.IsDir() {
		return "", &jobs.InputError{Msg: fmt.Sprintf("%s is not a directory", abs)}
	}
	return abs, nil
}

// NextBackupDir returns target-N for the lowest positive N not present on disk.
func NextBackupDir(target string) (string, error) {
	for n := 1; ; n++ {
		candidate := target + "-" + strconv.Itoa(n)
		_, err := os.Lstat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("probe %s: %w", candidate, err)
		}
	}
}

// copyTree recursively copies srcDir to dstDir, which must not exist.
func copyTree(ctx context.Context, srcDir, dstDir string) (int, int64, error) {
	var (
		files int
		total int64
	)
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		dstPath := filepath.Join(dstDir, relPath)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}

		switch {
		case d.IsDir():
			if err := os.Mkdir(dstPath, info.Mode().Perm()|0o700); err != nil {
				return fmt.Errorf("create directory %q: %w", dstPath, err)
			}
		case info.Mode().IsRegular():
			n, err := copyFile(path, dstPath, info.Mode().Perm())
			if err != nil {
				return err
			}
			files++
			total += n
		case info.Mode()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			if err := os.Symlink(linkTarget, dstPath); err != nil {
				return fmt.Errorf("create symlink %q: %w", dstPath, err)
			}
		default:
			return fmt.Errorf("unsupported file type for %q (%s)", path, info.Mode().Type())
		}
		return nil
	})
	return files, total, err
}

func copyFile(src, dst string, perm fs.FileMode) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm)
	if err != nil {
		return 0, fmt.Errorf("create %q: %w", dst, err)
	}
	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return n, fmt.Errorf("copy %q: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("close %q: %w", dst, err)
	}
	return n, nil
}

// TargetDirFor returns the Mapeo default style directory for an OS.
func TargetDirFor(goos, homeDir string) string {
	var styles string
	switch goos {
	case "windows":
		styles = filepath.Join(homeDir, "AppData", "Roaming", "Mapeo", "styles")
	case "darwin":
		styles = filepath.Join(homeDir, "Library", "Application Support", "Mapeo", "styles")
	default:
		styles = filepath.Join(homeDir, ".config", "Mapeo", "styles")
	}
	return filepath.Join(styles, "default")
}

// DefaultTargetDir is TargetDirFor the running OS and user.
func DefaultTargetDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return TargetDirFor(runtime.GOOS, home), nil
}
