package jobs

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store is the in-memory registry of jobs keyed by id.
//
// Reads and writes are safe concurrently. Set enforces the lifecycle: once a
// job is terminal its entry never changes again. Nothing is persisted.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewStore() *Store {
	return &Store{jobs: make(map[string]Job)}
}

// Set records job under id. Replacing an entry must be a legal transition
// from the stored status, or a re-set of the same non-terminal status;
// anything else returns ErrIllegalTransition.
func (s *Store) Set(id string, job Job) error {
	if id != job.ID {
		return fmt.Errorf("job id mismatch: key %q, job %q", id, job.ID)
	}
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.jobs[id]; ok {
		same := prev.Status == job.Status && !prev.Status.Terminal()
		if !same && !CanAdvance(prev.Status, job.Status) {
			return fmt.Errorf("job %s: %w %s -> %s", id, ErrIllegalTransition, prev.Status, job.Status)
		}
	}
	s.jobs[id] = job
	return nil
}

// Get returns the job for id or ErrNotFound.
func (s *Store) Get(id string) (Job, error) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

func (s *Store) Has(id string) bool {
	s.mu.RLock()
	_, ok := s.jobs[id]
	s.mu.RUnlock()
	return ok
}

// Delete removes id. Missing ids are ignored.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// Len returns the number of tracked jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// List returns a snapshot of all jobs, newest first.
func (s *Store) List() []Job {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// EvictTerminal removes terminal jobs that completed before now-olderThan and
// returns them so their workspaces can be released.
func (s *Store) EvictTerminal(olderThan time.Duration, now time.Time) []Job {
	cutoff := now.Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []Job
	for id, j := range s.jobs {
		if !j.Status.Terminal() || j.CompletedAt == nil {
			continue
		}
		if j.CompletedAt.After(cutoff) {
			continue
		}
		delete(s.jobs, id)
		evicted = append(evicted, j)
	}
	return evicted
}
