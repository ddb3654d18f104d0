package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/tilepack/internal/jobid"
)

func testID(t *testing.T, name string) string {
	t.Helper()
	id, err := jobid.Compute(name, "salt")
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	return id
}

func newManager(t *testing.T, root string) *FSManager {
	t.Helper()
	mgr, err := NewFSManager(root)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	return mgr
}

func TestCreateAndOpen(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "workspaces")
	mgr := newManager(t, root)
	id := testID(t, "a.mbtiles")

	ws, err := mgr.Create(context.Background(), id)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if want := filepath.Join(root, id); ws.Dir != want {
		t.Fatalf("Create() dir = %q, want %q", ws.Dir, want)
	}
	if info, err := os.Stat(ws.Dir); err != nil || !info.IsDir() {
		t.Fatalf("workspace dir missing: %v", err)
	}

	opened, err := mgr.Open(context.Background(), id)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opened != ws {
		t.Fatalf("Open() = %+v, want %+v", opened, ws)
	}
	if got := ws.Path("default", "style.json"); got != filepath.Join(ws.Dir, "default", "style.json") {
		t.Fatalf("Path() = %q", got)
	}
}

func TestNewFSManagerDoesNotTouchDisk(t *testing.T) {
	root := filepath.Join(t.TempDir(), "later")
	mgr := newManager(t, root)
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatalf("root created eagerly, err = %v", err)
	}
	if !filepath.IsAbs(newManager(t, "relative-scratch").Root()) {
		t.Fatal("relative root not resolved")
	}
	if _, err := NewFSManager("  "); err == nil {
		t.Fatal("blank root accepted")
	}
	if u, err := mgr.Usage(context.Background()); err != nil || u.Workspaces != 0 {
		t.Fatalf("Usage() on missing root = %+v, %v", u, err)
	}
}

func TestCreateTwiceFails(t *testing.T) {
	mgr := newManager(t, t.TempDir())
	id := testID(t, "dup.mbtiles")

	ws, err := mgr.Create(context.Background(), id)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	marker := ws.Path("marker")
	if err := os.WriteFile(marker, []byte("first"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Create(context.Background(), id); !errors.Is(err, ErrExists) {
		t.Fatalf("second Create() error = %v, want ErrExists", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("existing workspace content touched: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	mgr := newManager(t, t.TempDir())
	id := testID(t, "rel.mbtiles")

	ws, err := mgr.Create(context.Background(), id)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := os.MkdirAll(ws.Path("default", "tiles"), 0o755); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := mgr.Release(context.Background(), id); err != nil {
			t.Fatalf("Release() #%d error = %v", i+1, err)
		}
	}
	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Fatalf("workspace should be gone, err = %v", err)
	}
	if _, err := mgr.Create(context.Background(), id); err != nil {
		t.Fatalf("Create() after Release error = %v", err)
	}
}

func TestRejectsNonJobIDs(t *testing.T) {
	mgr := newManager(t, t.TempDir())
	bad := []string{"", ".", "..", "../escape", "job-a", strings.Repeat("g", jobid.Length), strings.Repeat("a", jobid.Length-1)}
	for _, id := range bad {
		if _, err := mgr.Create(context.Background(), id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Create(%q) error = %v, want ErrInvalidID", id, err)
		}
		if err := mgr.Release(context.Background(), id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Release(%q) error = %v, want ErrInvalidID", id, err)
		}
	}
}

func TestCanceledContext(t *testing.T) {
	mgr := newManager(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := mgr.Create(ctx, testID(t, "x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Create() error = %v, want context.Canceled", err)
	}
}

func TestPruneSkipsLiveYoungAndForeign(t *testing.T) {
	root := t.TempDir()
	mgr := newManager(t, root)
	ctx := context.Background()

	oldID, liveID, youngID := testID(t, "old"), testID(t, "live"), testID(t, "young")
	for _, id := range []string{oldID, liveID, youngID} {
		ws, err := mgr.Create(ctx, id)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if err := os.WriteFile(ws.Path("map.zip"), []byte("12345"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	for _, id := range []string{oldID, liveID} {
		if err := os.Chtimes(filepath.Join(root, id), past, past); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(root, "not-a-job"), 0o755); err != nil {
		t.Fatal(err)
	}

	report, err := mgr.Prune(ctx, PruneOptions{
		OlderThan: 24 * time.Hour,
		Keep:      func(id string) bool { return id == liveID },
	})
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if len(report.Removed) != 1 || report.Removed[0] != oldID {
		t.Fatalf("Prune() removed = %v, want [%s]", report.Removed, oldID)
	}
	if report.Bytes != 5 {
		t.Fatalf("Prune() bytes = %d, want 5", report.Bytes)
	}
	if report.Foreign != 1 {
		t.Fatalf("Prune() foreign = %d, want 1", report.Foreign)
	}
	for _, keep := range []string{liveID, youngID, "not-a-job"} {
		if _, err := os.Stat(filepath.Join(root, keep)); err != nil {
			t.Fatalf("%s should survive: %v", keep, err)
		}
	}

	usage, err := mgr.Usage(ctx)
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if usage.Workspaces != 2 || usage.Bytes != 10 {
		t.Fatalf("Usage() = %+v, want 2 workspaces / 10 bytes", usage)
	}
}

func TestPruneWithoutAgeRemovesEverythingUnkept(t *testing.T) {
	mgr := newManager(t, t.TempDir())
	ctx := context.Background()
	for _, name := range []string{"a", "b"} {
		if _, err := mgr.Create(ctx, testID(t, name)); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	report, err := mgr.Prune(ctx, PruneOptions{})
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if len(report.Removed) != 2 {
		t.Fatalf("Prune() removed = %v, want 2", report.Removed)
	}
}
