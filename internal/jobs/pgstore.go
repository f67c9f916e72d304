package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/model"
)

// Schema is the DDL for the job ledger. EnsureSchema applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS docket_jobs (
	id                  TEXT PRIMARY KEY,
	source              TEXT NOT NULL,
	session_id          TEXT NOT NULL,
	operator            TEXT NOT NULL DEFAULT '',
	params              JSONB NOT NULL,
	status              TEXT NOT NULL,
	state               TEXT NOT NULL,
	error               TEXT NOT NULL DEFAULT '',
	results             JSONB NOT NULL DEFAULT '[]',
	documents_processed INTEGER NOT NULL DEFAULT 0,
	items_downloaded    INTEGER NOT NULL DEFAULT 0,
	version             INTEGER NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL,
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS docket_jobs_status_created ON docket_jobs (status, created_at DESC);
CREATE TABLE IF NOT EXISTS docket_job_transitions (
	id         BIGSERIAL PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES docket_jobs (id) ON DELETE CASCADE,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS docket_job_transitions_job ON docket_job_transitions (job_id, id);
`

const jobColumns = `id, source, session_id, operator, params, status, state, error,
	results, documents_processed, items_downloaded, version,
	created_at, started_at, completed_at`

// jobParams holds the request fields of a job, stored as one JSONB column.
type jobParams struct {
	Queries            []string             `json:"queries"`
	Criteria           model.SearchCriteria `json:"criteria"`
	SelectionMode      string               `json:"selection_mode"`
	DownloadMode       string               `json:"download_mode"`
	DocumentRangeStart int                  `json:"document_range_start"`
	DocumentRangeEnd   int                  `json:"document_range_end,omitempty"`
	MaxEntries         int                  `json:"max_entries,omitempty"`
	DownloadPath       string               `json:"download_path"`
}

func paramsOf(job model.Job) jobParams {
	return jobParams{
		Queries:            job.Queries,
		Criteria:           job.Criteria,
		SelectionMode:      job.SelectionMode,
		DownloadMode:       job.DownloadMode,
		DocumentRangeStart: job.DocumentRangeStart,
		DocumentRangeEnd:   job.DocumentRangeEnd,
		MaxEntries:         job.MaxEntries,
		DownloadPath:       job.DownloadPath,
	}
}

func (s jobParams) apply(job *model.Job) {
	job.Queries = s.Queries
	job.Criteria = s.Criteria
	job.SelectionMode = s.SelectionMode
	job.DownloadMode = s.DownloadMode
	job.DocumentRangeStart = s.DocumentRangeStart
	job.DocumentRangeEnd = s.DocumentRangeEnd
	job.MaxEntries = s.MaxEntries
	job.DownloadPath = s.DownloadPath
}

// PgJobStore is a PostgreSQL-backed JobStore using pgx/v5.
type PgJobStore struct {
	pool *pgxpool.Pool
}

// NewPgJobStore creates a new PostgreSQL job store.
func NewPgJobStore(pool *pgxpool.Pool) *PgJobStore {
	return &PgJobStore{pool: pool}
}

// OpenPool connects a pgx pool sized from cfg and pings it.
func OpenPool(ctx context.Context, dsn string, cfg config.JobStoreConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("job store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("job store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("job store: ping: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the ledger tables if they don't exist.
func (s *PgJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure job schema: %w", err)
	}
	return nil
}

// Create inserts a new job.
func (s *PgJobStore) Create(ctx context.Context, job model.Job) error {
	paramsJSON, resultsJSON, err := marshalJob(job)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO docket_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		job.ID, job.Source, job.SessionID, job.Operator, paramsJSON,
		job.Status, string(job.State), job.Error,
		resultsJSON, job.DocumentsProcessed, job.ItemsDownloaded, job.Version,
		job.CreatedAt, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *PgJobStore) Get(ctx context.Context, jobID string) (model.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM docket_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, model.NewJobNotFoundError(jobID)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// Update persists an updated job with optimistic locking.
func (s *PgJobStore) Update(ctx context.Context, job model.Job) error {
	_, resultsJSON, err := marshalJob(job)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE docket_jobs SET
			status = $1,
			state = $2,
			error = $3,
			results = $4,
			documents_processed = $5,
			items_downloaded = $6,
			started_at = $7,
			completed_at = $8,
			version = $9
		WHERE id = $10 AND version = $11`,
		job.Status, string(job.State), job.Error, resultsJSON,
		job.DocumentsProcessed, job.ItemsDownloaded,
		job.StartedAt, job.CompletedAt, job.Version+1,
		job.ID, job.Version,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, job.ID); err != nil {
			return err
		}
		return model.NewConflictError(
			fmt.Sprintf("job %q version conflict (expected %d)", job.ID, job.Version),
		)
	}
	return nil
}

// AppendTransition adds a transition to the job's audit log.
func (s *PgJobStore) AppendTransition(ctx context.Context, jobID string, t model.Transition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO docket_job_transitions (job_id, from_state, to_state, message, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		jobID, string(t.From), string(t.To), t.Message, t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert job transition: %w", err)
	}
	return nil
}

// Transitions returns the job's audit log, oldest first.
func (s *PgJobStore) Transitions(ctx context.Context, jobID string) ([]model.Transition, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT from_state, to_state, message, created_at
		FROM docket_job_transitions
		WHERE job_id = $1
		ORDER BY id ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query job transitions: %w", err)
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		var t model.Transition
		var from, to string
		if err := rows.Scan(&from, &to, &t.Message, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan job transition: %w", err)
		}
		t.From, t.To = model.State(from), model.State(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

// List returns jobs newest first.
func (s *PgJobStore) List(ctx context.Context, filters model.JobFilters) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM docket_jobs`
	var args []any
	argIdx := 1

	if filters.Status != "" {
		query += fmt.Sprintf(" WHERE status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	out := []model.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Delete removes a job. Its transitions go with it through the cascade.
func (s *PgJobStore) Delete(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM docket_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewJobNotFoundError(jobID)
	}
	return nil
}

// HealthCheck pings the pool.
func (s *PgJobStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func marshalJob(job model.Job) (paramsJSON, resultsJSON []byte, err error) {
	paramsJSON, err = json.Marshal(paramsOf(job))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal job params: %w", err)
	}
	results := job.Results
	if results == nil {
		results = []model.ItemResult{}
	}
	resultsJSON, err = json.Marshal(results)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal job results: %w", err)
	}
	return paramsJSON, resultsJSON, nil
}

func scanJob(row pgx.Row) (model.Job, error) {
	var job model.Job
	var paramsJSON, resultsJSON []byte
	var state string
	var startedAt, completedAt *time.Time

	if err := row.Scan(
		&job.ID, &job.Source, &job.SessionID, &job.Operator, &paramsJSON,
		&job.Status, &state, &job.Error,
		&resultsJSON, &job.DocumentsProcessed, &job.ItemsDownloaded, &job.Version,
		&job.CreatedAt, &startedAt, &completedAt,
	); err != nil {
		return model.Job{}, err
	}
	job.State = model.State(state)
	job.StartedAt, job.CompletedAt = startedAt, completedAt

	var params jobParams
	if err := json.Unmarshal(paramsJSON, &params); err != nil {
		return model.Job{}, fmt.Errorf("unmarshal job params: %w", err)
	}
	params.apply(&job)
	if err := json.Unmarshal(resultsJSON, &job.Results); err != nil {
		return model.Job{}, fmt.Errorf("unmarshal job results: %w", err)
	}
	return job, nil
}
