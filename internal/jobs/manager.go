package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/internal/workflow"
	"github.com/pitabwire/docket/model"
)

// Runner runs one job to a terminal state. *workflow.Coordinator satisfies
// it.
type Runner interface {
	Run(ctx context.Context, job model.Job, hooks workflow.Hooks) workflow.Outcome
}

// SourceSet reports whether a navigation source is registered.
type SourceSet interface {
	Has(name string) bool
}

// Options configure a Manager.
type Options struct {
	MaxActive      int
	DownloadPath   string
	DefaultSource  string
	IdempotencyTTL time.Duration
}

// CreateInput is a create request plus its transport metadata.
type CreateInput struct {
	Request        model.CreateJobRequest
	Operator       string
	IdempotencyKey string
}

const updateAttempts = 3

// Manager is the job ledger. It creates jobs, runs each on its own
// goroutine through a Runner, and persists their progress.
type Manager struct {
	store   JobStore
	runner  Runner
	sources SourceSet
	idem    IdempotencyStore
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	mu           sync.Mutex
	downloadPath string
	running      map[string]context.CancelFunc
	wg           sync.WaitGroup
	base         context.Context
	stop         context.CancelFunc
}

// NewManager creates a job manager. idem may be nil to disable
// deduplication.
func NewManager(store JobStore, runner Runner, sources SourceSet, idem IdempotencyStore, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		store:        store,
		runner:       runner,
		sources:      sources,
		idem:         idem,
		opts:         opts,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		downloadPath: opts.DownloadPath,
		running:      make(map[string]context.CancelFunc),
		base:         base,
		stop:         stop,
	}
}

// NewJobID returns an ID of the form job_YYYYmmddHHMMSS_<8hex>.
func NewJobID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "job_" + now.Format("20060102150405") + "_" + suffix
}

// Create validates the request, persists a pending job and starts it. With
// an idempotency key, replaying the same request returns the original job.
func (m *Manager) Create(ctx context.Context, in CreateInput) (model.Job, bool, error) {
	req := in.Request
	if req.Source == "" {
		req.Source = m.opts.DefaultSource
	}
	if errs := req.Validate(); len(errs) > 0 {
		return model.Job{}, false, model.NewValidationError(errs)
	}
	if m.sources != nil && !m.sources.Has(req.Source) {
		return model.Job{}, false, model.NewUnknownSourceError(req.Source)
	}

	// The key is checked and recorded under m.mu so concurrent creates with
	// the same key start one job.
	m.mu.Lock()
	defer m.mu.Unlock()

	var key, hash string
	if in.IdempotencyKey != "" && m.idem != nil {
		key = FormatIdempotencyKey(in.IdempotencyKey)
		hash = HashRequest(req)
		jobID, found, err := m.idem.Check(ctx, key, hash)
		if err != nil {
			return model.Job{}, false, err
		}
		if found {
			job, err := m.store.Get(ctx, jobID)
			if err != nil {
				return model.Job{}, false, err
			}
			return job, true, nil
		}
	}

	if m.opts.MaxActive > 0 && len(m.running) >= m.opts.MaxActive {
		return model.Job{}, false, model.NewTooManyJobsError(m.opts.MaxActive)
	}

	job := m.newJob(req, in.Operator)
	if err := m.store.Create(ctx, job); err != nil {
		return model.Job{}, false, fmt.Errorf("create job: %w", err)
	}
	if key != "" {
		if err := m.idem.Store(ctx, key, hash, job.ID, m.opts.IdempotencyTTL); err != nil {
			m.logger.Warn("failed to store idempotency key",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}

	m.startLocked(job)
	return job, false, nil
}

func (m *Manager) newJob(req model.CreateJobRequest, operator string) model.Job {
	now := m.now()
	job := model.Job{
		ID:                 NewJobID(now),
		Source:             req.Source,
		SessionID:          req.SessionID,
		Queries:            req.Queries,
		Criteria:           req.Criteria,
		SelectionMode:      req.SelectionMode,
		DownloadMode:       req.DownloadMode,
		DocumentRangeStart: req.DocumentRangeStart,
		DocumentRangeEnd:   req.DocumentRangeEnd,
		MaxEntries:         req.MaxEntries,
		DownloadPath:       req.DownloadPath,
		Operator:           operator,
		Status:             model.JobStatusPending,
		State:              model.StateIdle,
		CreatedAt:          now,
		Results:            []model.ItemResult{},
	}
	if job.SelectionMode == "" {
		job.SelectionMode = model.SelectionManual
	}
	if job.DownloadMode == "" {
		job.DownloadMode = model.DownloadAll
	}
	if job.DocumentRangeStart == 0 {
		job.DocumentRangeStart = 1
	}
	if job.DownloadPath == "" {
		job.DownloadPath = m.downloadPath
	}
	return job
}

// startLocked runs job on its own goroutine. m.mu must be held.
func (m *Manager) startLocked(job model.Job) {
	ctx, cancel := context.WithCancel(m.base)
	m.running[job.ID] = cancel
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer func() {
			cancel()
			m.mu.Lock()
			delete(m.running, job.ID)
			m.mu.Unlock()
		}()

		logger := observability.JobLogger(observability.WithJobScope(ctx, observability.JobScope{
			JobID:     job.ID,
			SessionID: job.SessionID,
			Source:    job.Source,
		}), m.logger)

		started := m.now()
		if err := m.update(job.ID, func(j *model.Job) {
			j.Status = model.JobStatusRunning
			j.StartedAt = &started
		}); err != nil {
			logger.Error("failed to mark job running", zap.Error(err))
		}

		out := m.run(ctx, job, logger, workflow.Hooks{
			OnTransition: func(_ context.Context, t model.Transition) error {
				return m.recordTransition(job.ID, t)
			},
			OnItem: func(_ context.Context, r model.ItemResult) {
				if err := m.recordItem(job.ID, r); err != nil {
					logger.Warn("failed to persist item result", zap.Error(err))
				}
			},
		})

		if err := m.complete(job.ID, out); err != nil {
			logger.Error("failed to persist job outcome", zap.Error(err))
		}
		logger.Info("job finished",
			zap.String("status", out.Status()),
			zap.Int("documents_processed", out.DocumentsProcessed),
			zap.Int("items_downloaded", out.ItemsDownloaded),
			zap.Duration("duration", out.Duration),
		)
	}()
}

// run calls the runner and turns a panic into a failed outcome so one job
// cannot take the process down.
func (m *Manager) run(ctx context.Context, job model.Job, logger *zap.Logger, hooks workflow.Hooks) (out workflow.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic recovered", zap.Any("error", rec), zap.Stack("stacktrace"))
			out = workflow.Outcome{
				State: model.StateFailed,
				Err:   fmt.Errorf("job panic: %v", rec),
			}
		}
	}()
	return m.runner.Run(ctx, job, hooks)
}

func (m *Manager) recordTransition(jobID string, t model.Transition) error {
	ctx := context.Background()
	if err := m.store.AppendTransition(ctx, jobID, t); err != nil {
		return err
	}
	return m.update(jobID, func(j *model.Job) { j.State = t.To })
}

func (m *Manager) recordItem(jobID string, r model.ItemResult) error {
	return m.update(jobID, func(j *model.Job) {
		j.Results = append(j.Results, r)
		j.DocumentsProcessed++
		j.ItemsDownloaded += r.Downloaded()
	})
}

func (m *Manager) complete(jobID string, out workflow.Outcome) error {
	done := m.now()
	return m.update(jobID, func(j *model.Job) {
		j.Status = out.Status()
		j.State = out.State
		j.CompletedAt = &done
		if out.Results != nil {
			j.Results = out.Results
		}
		j.DocumentsProcessed = out.DocumentsProcessed
		j.ItemsDownloaded = out.ItemsDownloaded
		if out.Err != nil && j.Status != model.JobStatusCompleted {
			j.Error = out.Err.Error()
		}
	})
}

// update applies mutate to the stored job, retrying on version conflicts.
func (m *Manager) update(jobID string, mutate func(*model.Job)) error {
	ctx := context.Background()
	var err error
	for range updateAttempts {
		var job model.Job
		job, err = m.store.Get(ctx, jobID)
		if err != nil {
			return err
		}
		mutate(&job)
		err = m.store.Update(ctx, job)
		var env *model.ErrorEnvelope
		if err == nil || !errors.As(err, &env) || env.Code != model.ErrConflict {
			return err
		}
	}
	return err
}

// Get returns a job.
func (m *Manager) Get(ctx context.Context, jobID string) (model.Job, error) {
	return m.store.Get(ctx, jobID)
}

// Results returns the per-item results and counters of a job.
func (m *Manager) Results(ctx context.Context, jobID string) (model.Report, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return model.Report{}, err
	}
	return job.Report(), nil
}

// Transitions returns the transition audit log of a job.
func (m *Manager) Transitions(ctx context.Context, jobID string) ([]model.Transition, error) {
	return m.store.Transitions(ctx, jobID)
}

// List returns jobs newest first.
func (m *Manager) List(ctx context.Context, filters model.JobFilters) ([]model.Job, error) {
	return m.store.List(ctx, filters)
}

// Cancel requests cancellation of an active job. The job reaches the
// cancelled state asynchronously, at its next phase boundary.
func (m *Manager) Cancel(ctx context.Context, jobID string) (model.Job, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return model.Job{}, err
	}
	if !job.IsActive() {
		return model.Job{}, model.NewJobNotActiveError(
			fmt.Sprintf("job %q is %s", jobID, job.Status),
		)
	}

	m.mu.Lock()
	cancel, running := m.running[jobID]
	m.mu.Unlock()

	if running {
		cancel()
		return job, nil
	}

	// Active in the store but not running here: left over from a previous
	// process.
	done := m.now()
	if err := m.update(jobID, func(j *model.Job) {
		j.Status = model.JobStatusCancelled
		j.State = model.StateCancelled
		j.CompletedAt = &done
	}); err != nil {
		return model.Job{}, err
	}
	return m.store.Get(ctx, jobID)
}

// Delete removes a finished job.
func (m *Manager) Delete(ctx context.Context, jobID string) error {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsActive() {
		return model.NewJobActiveError(fmt.Sprintf("job %q is still %s", jobID, job.Status))
	}
	return m.store.Delete(ctx, jobID)
}

// ActiveCount returns the number of jobs running in this process.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// DownloadPath returns the default download path for new jobs.
func (m *Manager) DownloadPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloadPath
}

// SetDownloadPath changes the default download path for new jobs, creating
// the directory if needed. Running jobs keep their path.
func (m *Manager) SetDownloadPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return model.NewValidationError([]model.FieldError{{
			Field: "download_path", Code: "REQUIRED", Message: "download_path is required",
		}})
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create download path: %w", err)
	}
	m.mu.Lock()
	m.downloadPath = path
	m.mu.Unlock()
	return nil
}

// CheckDownloadPath verifies the default download path exists and accepts
// new files.
func (m *Manager) CheckDownloadPath(_ context.Context) error {
	f, err := os.CreateTemp(m.DownloadPath(), ".ready-*")
	if err != nil {
		return fmt.Errorf("download path not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Reconcile marks jobs left active by a previous process as failed. It
// returns the number of jobs changed.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []string{model.JobStatusPending, model.JobStatusRunning} {
		stale, err := m.store.List(ctx, model.JobFilters{Status: status})
		if err != nil {
			return n, err
		}
		for _, job := range stale {
			m.mu.Lock()
			_, running := m.running[job.ID]
			m.mu.Unlock()
			if running {
				continue
			}
			done := m.now()
			if err := m.update(job.ID, func(j *model.Job) {
				j.Status = model.JobStatusFailed
				j.State = model.StateFailed
				j.Error = "interrupted by restart"
				j.CompletedAt = &done
			}); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// Shutdown cancels every running job and waits for them to finish or for
// ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
