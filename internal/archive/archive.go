// Package archive packages converted output into a single zip file whose top
// level folder has a fixed name, and unpacks such files again.
package archive

import (
	"archive/zip"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/tilepack/internal/jobs"
)

// Method selects how entries are stored.
type Method string

const (
	MethodStore   Method = "store"
	MethodDeflate Method = "deflate"
)

// ParseMethod maps a config value to a Method. Empty means store.
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case "", MethodStore:
		return MethodStore, nil
	case MethodDeflate:
		return MethodDeflate, nil
	default:
		return "", fmt.Errorf("unknown archive method %q (want store or deflate)", s)
	}
}

func (m Method) zipMethod() uint16 {
	if m == MethodDeflate {
		return zip.Deflate
	}
	return zip.Store
}

// Pack writes every file under sourceDir into a zip at archivePath, nested
// under innerRoot. The archive is written to a temporary sibling and renamed
// into place only after it is fully flushed and closed, so archivePath is
// either absent or complete. Failures are *jobs.ArchiveError.
func Pack(ctx context.Context, sourceDir, archivePath, innerRoot string, method Method) error {
	if err := pack(ctx, sourceDir, archivePath, innerRoot, method); err != nil {
		return &jobs.ArchiveError{Path: archivePath, Err: err}
	}
	return nil
}

func pack(ctx context.Context, sourceDir, archivePath, innerRoot string, method Method) (err error) {
	innerRoot = strings.Trim(filepath.ToSlash(innerRoot), "/")
	if innerRoot == "" || strings.Contains(innerRoot, "..") {
		return fmt.Errorf("invalid inner root name %q", innerRoot)
	}

	info, err := os.Stat(sourceDir)
	if err != nil {
		return fmt.Errorf("stat source directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %s is not a directory", sourceDir)
	}

	tmp, err := os.CreateTemp(filepath.Dir(archivePath), "."+filepath.Base(archivePath)+".*.partial")
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	zw := zip.NewWriter(tmp)
	if err := addTree(ctx, zw, sourceDir, innerRoot, method); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmpName, archivePath); err != nil {
		return fmt.Errorf("publish archive: %w", err)
	}
	return nil
}

func addTree(ctx context.Context, zw *zip.Writer, sourceDir, innerRoot string, method Method) error {
	return filepath.WalkDir(sourceDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(sourceDir, p)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		name := innerRoot
		if rel != "." {
			name = path.Join(innerRoot, filepath.ToSlash(rel))
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", p, err)
		}

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return fmt.Errorf("build header for %q: %w", p, err)
		}
		hdr.Name = name

		switch {
		case d.IsDir():
			hdr.Name += "/"
			hdr.Method = zip.Store
			_, err := zw.CreateHeader(hdr)
			return err
		case info.Mode().IsRegular():
			hdr.Method = method.zipMethod()
			w, err := zw.CreateHeader(hdr)
			if err != nil {
				return fmt.Errorf("add %q: %w", name, err)
			}
			return copyFile(w, p)
		default:
			return fmt.Errorf("unsupported file type for %q (%s)", p, info.Mode().Type())
		}
	})
}

func copyFile(w io.Writer, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("write %q: %w", p, err)
	}
	return nil
}

// Extract unpacks archivePath into destDir, refusing entries that would land
// outside destDir.
func Extract(ctx context.Context, archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes destination", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %q: %w", target, err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create directory for %q: %w", target, err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %q: %w", f.Name, err)
	}
	defer rc.Close()

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %q: %w", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("extract %q: %w", f.Name, err)
	}
	return out.Close()
}

// Checksum returns the hex BLAKE3-256 digest of the file at p.
func Checksum(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
