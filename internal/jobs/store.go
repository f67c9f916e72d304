package jobs

import (
	"context"

	"github.com/pitabwire/docket/model"
)

// JobStore persists jobs and their transition audit log.
type JobStore interface {
	// Create persists a new job. Returns CONFLICT if the ID is taken.
	Create(ctx context.Context, job model.Job) error

	// Get retrieves a job by ID. Returns JOB_NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, jobID string) (model.Job, error)

	// Update persists an updated job with optimistic locking. The version
	// must match the stored version. Returns CONFLICT if it has changed.
	Update(ctx context.Context, job model.Job) error

	// AppendTransition adds a state transition to the job's audit log.
	AppendTransition(ctx context.Context, jobID string, t model.Transition) error

	// Transitions returns the job's audit log, oldest first.
	Transitions(ctx context.Context, jobID string) ([]model.Transition, error)

	// List returns jobs newest first, optionally filtered by status.
	List(ctx context.Context, filters model.JobFilters) ([]model.Job, error)

	// Delete removes a job and its audit log.
	Delete(ctx context.Context, jobID string) error

	// HealthCheck reports whether the store is reachable.
	HealthCheck(ctx context.Context) error
}
