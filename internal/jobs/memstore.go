package jobs

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/pitabwire/docket/model"
)

// MemoryJobStore is an in-memory JobStore. Jobs are lost on restart.
type MemoryJobStore struct {
	mu          sync.RWMutex
	jobs        map[string]model.Job
	transitions map[string][]model.Transition
}

// NewMemoryJobStore creates a new in-memory job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:        make(map[string]model.Job),
		transitions: make(map[string][]model.Transition),
	}
}

// Create persists a new job.
func (s *MemoryJobStore) Create(_ context.Context, job model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("job %q already exists", job.ID))
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// Get retrieves a job by ID.
func (s *MemoryJobStore) Get(_ context.Context, jobID string) (model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return model.Job{}, model.NewJobNotFoundError(jobID)
	}
	return cloneJob(job), nil
}

// Update persists an updated job with optimistic locking.
func (s *MemoryJobStore) Update(_ context.Context, job model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.jobs[job.ID]
	if !exists {
		return model.NewJobNotFoundError(job.ID)
	}
	if existing.Version != job.Version {
		return model.NewConflictError(
			fmt.Sprintf("job %q version conflict (expected %d, got %d)", job.ID, job.Version, existing.Version),
		)
	}

	job.Version++
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// AppendTransition adds a transition to the job's audit log.
func (s *MemoryJobStore) AppendTransition(_ context.Context, jobID string, t model.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[jobID]; !exists {
		return model.NewJobNotFoundError(jobID)
	}
	s.transitions[jobID] = append(s.transitions[jobID], t)
	return nil
}

// Transitions returns a copy of the job's audit log.
func (s *MemoryJobStore) Transitions(_ context.Context, jobID string) ([]model.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.jobs[jobID]; !exists {
		return nil, model.NewJobNotFoundError(jobID)
	}
	return slices.Clone(s.transitions[jobID]), nil
}

// List returns jobs sorted by created_at descending.
func (s *MemoryJobStore) List(_ context.Context, filters model.JobFilters) ([]model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filters.Status != "" && job.Status != filters.Status {
			continue
		}
		result = append(result, cloneJob(job))
	}

	slices.SortFunc(result, func(a, b model.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.Job{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Delete removes a job and its audit log.
func (s *MemoryJobStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[jobID]; !exists {
		return model.NewJobNotFoundError(jobID)
	}
	delete(s.jobs, jobID)
	delete(s.transitions, jobID)
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryJobStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of jobs. For testing.
func (s *MemoryJobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// cloneJob copies the slices of job so callers can't mutate stored state.
func cloneJob(job model.Job) model.Job {
	job.Queries = slices.Clone(job.Queries)
	if job.Results != nil {
		results := make([]model.ItemResult, len(job.Results))
		for i, r := range job.Results {
			r.Downloads = slices.Clone(r.Downloads)
			results[i] = r
		}
		job.Results = results
	}
	return job
}
