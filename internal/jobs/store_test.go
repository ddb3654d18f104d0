package jobs

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestStoreGetMissing(t *testing.T) {
	t.Parallel()

	s := NewStore()
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
	}
	if s.Has("nope") {
		t.Fatalf("Has(missing) = true")
	}
}

func TestStoreSetGet(t *testing.T) {
	t.Parallel()

	s := NewStore()
	j := New("id-1", "/tmp/a.mbtiles", "a.mbtiles", "/scratch/id-1", t0)
	if err := s.Set(j.ID, j); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get("id-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending || got.SourcePath != "/tmp/a.mbtiles" {
		t.Fatalf("Get = %+v", got)
	}
	if !s.Has("id-1") {
		t.Fatalf("Has = false")
	}
}

func TestStoreSetRejectsInconsistentJobs(t *testing.T) {
	t.Parallel()

	s := NewStore()
	j := New("id-1", "/tmp/a", "a", "/ws", t0)

	if err := s.Set("other", j); err == nil {
		t.Fatalf("Set with mismatched key should fail")
	}

	bad := j
	bad.ArtifactPath = "/ws/out.zip"
	if err := s.Set(bad.ID, bad); err == nil {
		t.Fatalf("artifact on pending job should be rejected")
	}

	bad = j
	bad.Status = StatusCompleted
	if err := s.Set(bad.ID, bad); err == nil {
		t.Fatalf("completed job without artifact should be rejected")
	}

	bad = j
	bad.Status = "paused"
	if err := s.Set(bad.ID, bad); err == nil {
		t.Fatalf("unknown status should be rejected")
	}
}

func TestStoreSetRejectsRegressions(t *testing.T) {
	t.Parallel()

	s := NewStore()
	pending := New("id-1", "/tmp/a", "a", "/ws", t0)
	running, _ := pending.Start(t0)
	completed, _ := running.Complete("/ws/out.zip", "sum", t0)
	failed, _ := running.Fail("late panic", t0)

	for _, j := range []Job{pending, pending, running, running, completed} {
		if err := s.Set(j.ID, j); err != nil {
			t.Fatalf("Set(%s): %v", j.Status, err)
		}
	}

	for _, j := range []Job{failed, completed, running, pending} {
		err := s.Set(j.ID, j)
		if !errors.Is(err, ErrIllegalTransition) {
			t.Fatalf("Set(%s) over completed: err = %v, want ErrIllegalTransition", j.Status, err)
		}
	}

	got, err := s.Get("id-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted || got.ArtifactPath != "/ws/out.zip" {
		t.Fatalf("stored job changed after rejected writes: %+v", got)
	}
}

func TestJobTransitions(t *testing.T) {
	t.Parallel()

	j := New("id-1", "/tmp/a", "a", "/ws", t0)

	if _, err := j.Complete("/ws/out.zip", "", t0); err == nil {
		t.Fatalf("pending -> completed must not skip running")
	}

	running, err := j.Start(t0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if j.Status != StatusPending {
		t.Fatalf("Start mutated receiver")
	}

	done, err := running.Complete("/ws/out.zip", "abc", t0.Add(time.Second))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.ArtifactPath != "/ws/out.zip" || done.CompletedAt == nil {
		t.Fatalf("Complete = %+v", done)
	}

	if _, err := done.Fail("late", t0); err == nil {
		t.Fatalf("completed -> failed must be rejected")
	}
	if _, err := done.Start(t0); err == nil {
		t.Fatalf("completed -> running must be rejected")
	}
}

func TestPendingMayFailWhenUnscheduled(t *testing.T) {
	t.Parallel()

	j := New("id-1", "/tmp/a", "a", "/ws", t0)
	failed, err := j.Fail("pool saturated", t0)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.Status != StatusFailed || failed.ErrorDetail != "pool saturated" {
		t.Fatalf("Fail = %+v", failed)
	}
}

func TestStoreConcurrentDistinctIDs(t *testing.T) {
	t.Parallel()

	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i)
			j := New(id, "/tmp/"+id, id, "/ws/"+id, t0)
			if err := s.Set(id, j); err != nil {
				t.Errorf("Set: %v", err)
				return
			}
			j, _ = j.Start(t0)
			_ = s.Set(id, j)
			_, _ = s.Get(id)
			_ = s.List()
		}(i)
	}
	wg.Wait()

	if s.Len() != 50 {
		t.Fatalf("Len = %d, want 50", s.Len())
	}
	for _, j := range s.List() {
		if j.Status != StatusRunning {
			t.Fatalf("job %s status = %s", j.ID, j.Status)
		}
	}
}

func TestStoreEvictTerminal(t *testing.T) {
	t.Parallel()

	s := NewStore()
	old := New("old", "/tmp/old", "old", "/ws/old", t0)
	old, _ = old.Start(t0)
	old, _ = old.Fail("boom", t0)

	fresh := New("fresh", "/tmp/fresh", "fresh", "/ws/fresh", t0)
	fresh, _ = fresh.Start(t0)
	fresh, _ = fresh.Complete("/ws/fresh/out.zip", "", t0.Add(50*time.Minute))

	running := New("running", "/tmp/r", "r", "/ws/r", t0)
	running, _ = running.Start(t0)

	for _, j := range []Job{old, fresh, running} {
		if err := s.Set(j.ID, j); err != nil {
			t.Fatalf("Set(%s): %v", j.ID, err)
		}
	}

	evicted := s.EvictTerminal(30*time.Minute, t0.Add(time.Hour))
	if len(evicted) != 1 || evicted[0].ID != "old" {
		t.Fatalf("evicted = %+v, want only old", evicted)
	}
	if s.Has("old") || !s.Has("fresh") || !s.Has("running") {
		t.Fatalf("unexpected store contents after eviction: %+v", s.List())
	}
}
