package model

import "time"

// Job status constants.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Selection modes.
const (
	SelectionManual    = "manual"
	SelectionAutomated = "automated"
)

// Download modes.
const (
	DownloadAll            = "all_downloadable"
	DownloadPatternMatches = "pattern_matches"
)

// Item and download status constants.
const (
	ItemStatusCompleted = "completed"
	ItemStatusFailed    = "failed"
	ItemStatusSkipped   = "skipped"
	ItemStatusAbandoned = "abandoned"

	DownloadStatusSuccess = "success"
	DownloadStatusFailed  = "failed"
	DownloadStatusSkipped = "skipped"
)

// SearchCriteria narrows a search on the external source.
type SearchCriteria struct {
	Keywords string `json:"keywords,omitempty"`
	Court    string `json:"court,omitempty"`
	Judge    string `json:"judge,omitempty"`
}

// CreateJobRequest is the input for starting a retrieval job.
type CreateJobRequest struct {
	Source             string         `json:"source"`
	SessionID          string         `json:"session_id"`
	Queries            []string       `json:"queries"`
	Criteria           SearchCriteria `json:"criteria"`
	SelectionMode      string         `json:"selection_mode,omitempty"`
	DownloadMode       string         `json:"download_mode,omitempty"`
	DocumentRangeStart int            `json:"document_range_start,omitempty"`
	DocumentRangeEnd   int            `json:"document_range_end,omitempty"`
	MaxEntries         int            `json:"max_entries,omitempty"`
	DownloadPath       string         `json:"download_path,omitempty"`
}

// Validate returns field errors for an invalid request, or nil.
func (r CreateJobRequest) Validate() []FieldError {
	var errs []FieldError
	if r.SessionID == "" {
		errs = append(errs, FieldError{Field: "session_id", Code: "REQUIRED", Message: "session_id is required"})
	}
	if len(r.Queries) == 0 {
		errs = append(errs, FieldError{Field: "queries", Code: "REQUIRED", Message: "at least one query is required"})
	}
	for _, q := range r.Queries {
		if q == "" {
			errs = append(errs, FieldError{Field: "queries", Code: "INVALID", Message: "queries must not be empty"})
			break
		}
	}
	switch r.SelectionMode {
	case "", SelectionManual, SelectionAutomated:
	default:
		errs = append(errs, FieldError{Field: "selection_mode", Code: "INVALID", Message: "selection_mode must be manual or automated"})
	}
	switch r.DownloadMode {
	case "", DownloadAll, DownloadPatternMatches:
	default:
		errs = append(errs, FieldError{Field: "download_mode", Code: "INVALID", Message: "download_mode must be all_downloadable or pattern_matches"})
	}
	if r.DocumentRangeStart < 0 {
		errs = append(errs, FieldError{Field: "document_range_start", Code: "INVALID", Message: "document_range_start must be positive"})
	}
	if r.DocumentRangeEnd != 0 && r.DocumentRangeEnd < r.DocumentRangeStart {
		errs = append(errs, FieldError{Field: "document_range_end", Code: "INVALID", Message: "document_range_end must not precede document_range_start"})
	}
	if r.MaxEntries < 0 {
		errs = append(errs, FieldError{Field: "max_entries", Code: "INVALID", Message: "max_entries must not be negative"})
	}
	return errs
}

// Job is a retrieval job and its accumulated results.
type Job struct {
	ID                 string         `json:"job_id"`
	Source             string         `json:"source"`
	SessionID          string         `json:"session_id"`
	Queries            []string       `json:"queries"`
	Criteria           SearchCriteria `json:"criteria"`
	SelectionMode      string         `json:"selection_mode"`
	DownloadMode       string         `json:"download_mode"`
	DocumentRangeStart int            `json:"document_range_start"`
	DocumentRangeEnd   int            `json:"document_range_end,omitempty"`
	MaxEntries         int            `json:"max_entries,omitempty"`
	DownloadPath       string         `json:"download_path"`
	Operator           string         `json:"operator,omitempty"`

	Status      string     `json:"status"`
	State       State      `json:"state"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Results            []ItemResult `json:"results"`
	DocumentsProcessed int          `json:"documents_processed"`
	ItemsDownloaded    int          `json:"items_downloaded"`
	Version            int          `json:"version"`
}

// IsActive reports whether the job may still make progress.
func (j Job) IsActive() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusRunning
}

// Report is the result view of a job.
type Report struct {
	JobID              string       `json:"job_id"`
	Status             string       `json:"status"`
	Results            []ItemResult `json:"results"`
	DocumentsProcessed int          `json:"documents_processed"`
	ItemsDownloaded    int          `json:"items_downloaded"`
	Error              string       `json:"error,omitempty"`
}

// Report returns the result view of the job.
func (j Job) Report() Report {
	return Report{
		JobID:              j.ID,
		Status:             j.Status,
		Results:            j.Results,
		DocumentsProcessed: j.DocumentsProcessed,
		ItemsDownloaded:    j.ItemsDownloaded,
		Error:              j.Error,
	}
}

// ItemResult records the outcome of one parent item (one query).
type ItemResult struct {
	Query         string           `json:"query"`
	SelectedCourt string           `json:"selected_court,omitempty"`
	EntriesFound  int              `json:"entries_found"`
	Downloads     []DownloadResult `json:"downloads"`
	Status        string           `json:"status"`
	Error         string           `json:"error,omitempty"`
}

// Downloaded returns the number of successful downloads.
func (r ItemResult) Downloaded() int {
	n := 0
	for _, d := range r.Downloads {
		if d.Status == DownloadStatusSuccess {
			n++
		}
	}
	return n
}

// DownloadResult records the outcome of capturing one entry.
type DownloadResult struct {
	EntryNumber string     `json:"entry_num"`
	Description string     `json:"description,omitempty"`
	Filename    string     `json:"filename,omitempty"`
	Path        string     `json:"path,omitempty"`
	Strategy    string     `json:"strategy,omitempty"`
	Bytes       int        `json:"bytes,omitempty"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CapturedAt  *time.Time `json:"captured_at,omitempty"`
}

// JobFilters are optional filters for listing jobs.
type JobFilters struct {
	Status string
	Limit  int
	Offset int
}
