package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeLockedConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("service:\n  name: locked\n"), 0600); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLockDryRun(t *testing.T) {
	dir := writeLockedConfig(t)

	report, err := Lock(dir, true)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if report.Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}
	if len(report.Files) != 1 || report.Files[0].Hash == "" {
		t.Fatalf("unexpected report files: %+v", report.Files)
	}
	if _, err := os.Stat(filepath.Join(dir, ".checksums")); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestLockThenTamper(t *testing.T) {
	dir := writeLockedConfig(t)

	report, err := Lock(dir, false)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if !report.Written {
		t.Fatal("report.Written = false, want true")
	}

	manifest, err := LoadChecksums(dir)
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	if len(manifest.Hashes) != 1 {
		t.Fatalf("len(manifest.Hashes) = %d, want 1", len(manifest.Hashes))
	}

	if _, err := Load(dir); err != nil {
		t.Fatalf("Load() of locked config failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("service:\n  name: tampered\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err = Load(dir)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}

func TestComputeBlake3HashEmptyFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(p, nil, 0600); err != nil {
		t.Fatal(err)
	}
	got, err := ComputeBlake3Hash(p)
	if err != nil {
		t.Fatal(err)
	}
	const want = "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	if got != want {
		t.Errorf("hash = %s, want %s", got, want)
	}
}
