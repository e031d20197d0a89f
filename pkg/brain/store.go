package brain

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BSVanon/ClawSats-sub000/pkg/fsutil"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
)

// Enqueue defaults applied when the caller leaves fields zero.
const (
	defaultPriority = 5
	defaultMaxSats  = 100
)

// EnqueueInput is the caller-supplied part of a new job.
type EnqueueInput struct {
	Capability     string
	Params         map[string]any
	Strategy       types.JobStrategy
	MaxSats        int64
	Priority       int
	PersistResult  bool
	MemoryKey      string
	MemoryCategory string
}

// Store owns the job queue file. All mutations write through to disk
// atomically, so job state survives a crash at any point.
type Store struct {
	path string

	mu   sync.Mutex
	jobs map[string]*types.Job
}

// NewStore loads the job queue from path, tolerating a missing file.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, jobs: make(map[string]*types.Job)}

	var stored []types.Job
	if err := fsutil.ReadJSON(path, &stored); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load job queue: %w", err)
		}
	}
	for i := range stored {
		job := stored[i]
		s.jobs[job.ID] = &job
	}
	return s, nil
}

// Enqueue creates a pending job with defaults filled in.
func (s *Store) Enqueue(input EnqueueInput) (*types.Job, error) {
	if input.Capability == "" {
		return nil, fmt.Errorf("job needs a capability")
	}
	if input.Priority == 0 {
		input.Priority = defaultPriority
	}
	if input.MaxSats == 0 {
		input.MaxSats = defaultMaxSats
	}
	if input.Strategy == "" {
		input.Strategy = types.StrategyAuto
	}

	now := time.Now().UTC()
	job := &types.Job{
		ID:             uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
		Status:         types.JobStatusPending,
		Strategy:       input.Strategy,
		Capability:     input.Capability,
		Params:         input.Params,
		MaxSats:        input.MaxSats,
		Priority:       input.Priority,
		PersistResult:  input.PersistResult,
		MemoryKey:      input.MemoryKey,
		MemoryCategory: input.MemoryCategory,
		Audit: []types.AuditEntry{{
			Timestamp: now,
			Action:    "enqueued",
		}},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	if err := s.persistLocked(); err != nil {
		delete(s.jobs, job.ID)
		return nil, err
	}
	out := *job
	return &out, nil
}

// Update overwrites a job and stamps updatedAt.
func (s *Store) Update(job types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("job not found: %s", job.ID)
	}
	job.UpdatedAt = time.Now().UTC()
	stored := job
	s.jobs[job.ID] = &stored
	return s.persistLocked()
}

// Get fetches one job by id.
func (s *Store) Get(id string) (types.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	return *job, true
}

// List returns jobs, optionally filtered by status, sorted by status, then
// priority, then age.
func (s *Store) List(statusFilter ...types.JobStatus) []types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[types.JobStatus]bool, len(statusFilter))
	for _, st := range statusFilter {
		want[st] = true
	}

	var out []types.Job
	for _, job := range s.jobs {
		if len(want) > 0 && !want[job.Status] {
			continue
		}
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status < out[j].Status
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// NextPending returns up to limit runnable jobs, most urgent first. Jobs
// awaiting approval are included only when includeApproval is set.
func (s *Store) NextPending(limit int, includeApproval bool) []types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Job
	for _, job := range s.jobs {
		if job.Status == types.JobStatusPending ||
			(includeApproval && job.Status == types.JobStatusNeedsApproval) {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RetryFailed requeues every failed job and returns how many were touched.
func (s *Store) RetryFailed() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := time.Now().UTC()
	for _, job := range s.jobs {
		if job.Status != types.JobStatusFailed {
			continue
		}
		job.Status = types.JobStatusPending
		job.Error = ""
		job.UpdatedAt = now
		job.Audit = append(job.Audit, types.AuditEntry{
			Timestamp: now,
			Action:    "requeued",
			Reason:    "retry-failed",
		})
		count++
	}
	if count == 0 {
		return 0, nil
	}
	return count, s.persistLocked()
}

// Size returns the total number of stored jobs.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Store) persistLocked() error {
	jobs := make([]types.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	if err := fsutil.WriteJSONAtomic(s.path, jobs, 0o644); err != nil {
		return fmt.Errorf("failed to persist job queue: %w", err)
	}
	return nil
}
