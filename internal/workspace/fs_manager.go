package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/tilepack/internal/jobid"
)

// FSManager keeps workspaces as directories named by job id under root.
// The root is created lazily on the first Create.
type FSManager struct {
	root string
	now  func() time.Time
}

var _ Manager = (*FSManager)(nil)

// NewFSManager returns a manager rooted at root, resolved to an absolute path.
func NewFSManager(root string) (*FSManager, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace root is empty")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &FSManager{root: abs, now: time.Now}, nil
}

func (m *FSManager) Root() string { return m.root }

func (m *FSManager) Create(ctx context.Context, jobID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	dir, err := m.dirFor(jobID)
	if err != nil {
		return Workspace{}, err
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace root: %w", err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return Workspace{}, fmt.Errorf("job %s: %w", jobID, ErrExists)
		}
		return Workspace{}, fmt.Errorf("create workspace for job %s: %w", jobID, err)
	}
	return Workspace{JobID: jobID, Dir: dir}, nil
}

func (m *FSManager) Open(ctx context.Context, jobID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	dir, err := m.dirFor(jobID)
	if err != nil {
		return Workspace{}, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return Workspace{}, fmt.Errorf("open workspace for job %s: %w", jobID, err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("workspace for job %s is not a directory", jobID)
	}
	return Workspace{JobID: jobID, Dir: dir}, nil
}

func (m *FSManager) Release(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := m.dirFor(jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("release workspace for job %s: %w", jobID, err)
	}
	return nil
}

// Prune walks the root once. Entries whose names are not job ids are counted
// as foreign and never removed.
func (m *FSManager) Prune(ctx context.Context, opts PruneOptions) (PruneReport, error) {
	var report PruneReport
	entries, err := os.ReadDir(m.root)
	if errors.Is(err, fs.ErrNotExist) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("read workspace root: %w", err)
	}

	cutoff := m.now().Add(-opts.OlderThan)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		id := entry.Name()
		if !entry.IsDir() || !jobid.Valid(id) {
			report.Foreign++
			continue
		}
		if opts.Keep != nil && opts.Keep(id) {
			continue
		}
		if opts.OlderThan > 0 {
			info, err := entry.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return report, fmt.Errorf("stat workspace %s: %w", id, err)
			}
			if info.ModTime().After(cutoff) {
				continue
			}
		}

		dir := filepath.Join(m.root, id)
		size, _ := dirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			return report, fmt.Errorf("remove workspace %s: %w", id, err)
		}
		report.Removed = append(report.Removed, id)
		report.Bytes += size
	}
	return report, nil
}

func (m *FSManager) Usage(ctx context.Context) (Usage, error) {
	var u Usage
	entries, err := os.ReadDir(m.root)
	if errors.Is(err, fs.ErrNotExist) {
		return u, nil
	}
	if err != nil {
		return u, fmt.Errorf("read workspace root: %w", err)
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return u, err
		}
		if !entry.IsDir() || !jobid.Valid(entry.Name()) {
			continue
		}
		size, err := dirSize(filepath.Join(m.root, entry.Name()))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return u, err
		}
		u.Workspaces++
		u.Bytes += size
	}
	return u, nil
}

func (m *FSManager) dirFor(jobID string) (string, error) {
	if !jobid.Valid(jobID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, jobID)
	}
	return filepath.Join(m.root, jobID), nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
