package model

import "time"

// EventType names a notification pushed to an operator session.
type EventType string

const (
	EventStateChange       EventType = "STATE_CHANGE"
	EventCourtSelection    EventType = "COURT_SELECTION"
	EventTranscriptOptions EventType = "TRANSCRIPT_OPTIONS"
	EventProgress          EventType = "PROGRESS"
	EventDownloadSuccess   EventType = "DOWNLOAD_SUCCESS"
	EventDownloadFailed    EventType = "DOWNLOAD_FAILED"
	EventInfo              EventType = "INFO"
	EventWarning           EventType = "WARNING"
	EventError             EventType = "ERROR"
	EventComplete          EventType = "COMPLETE"
)

// Event is the envelope of every outbound notification.
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// StateChange is emitted on every transition.
type StateChange struct {
	State         State     `json:"state"`
	PreviousState State     `json:"previous_state"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}

// CourtSelectionPrompt asks which court to search.
type CourtSelectionPrompt struct {
	UserInput    string   `json:"user_input"`
	Options      []string `json:"options"`
	ExactMatches []string `json:"exact_matches"`
	FuzzyMatches []string `json:"fuzzy_matches"`
}

// EntryOption is one selectable entry in an entry selection prompt.
type EntryOption struct {
	Index          int    `json:"index"`
	Number         string `json:"number"`
	Description    string `json:"description"`
	Date           string `json:"date,omitempty"`
	MatchedPattern bool   `json:"matched_pattern"`
}

// EntrySelectionPrompt asks which entries of a parent item to download.
type EntrySelectionPrompt struct {
	DocumentTitle  string        `json:"document_title"`
	Entries        []EntryOption `json:"entries"`
	DocumentIndex  int           `json:"document_index"`
	TotalDocuments int           `json:"total_documents"`
}

// Progress reports advancement through a job's items or entries.
type Progress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Message    string  `json:"message"`
	Percentage float64 `json:"percentage"`
}

// NewProgress builds a Progress with the percentage filled in.
func NewProgress(current, total int, msg string) Progress {
	p := Progress{Current: current, Total: total, Message: msg}
	if total > 0 {
		p.Percentage = float64(current) / float64(total) * 100
	}
	return p
}

// DownloadNotice reports the outcome of one capture.
type DownloadNotice struct {
	Query       string `json:"query"`
	EntryNumber string `json:"entry_num"`
	Filename    string `json:"filename,omitempty"`
	Strategy    string `json:"strategy,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Message is the payload of INFO, WARNING and ERROR events.
type Message struct {
	Message string `json:"message"`
}

// CompletionSummary is emitted once a job reaches Completed.
type CompletionSummary struct {
	DocumentsProcessed int     `json:"documents_processed"`
	ItemsDownloaded    int     `json:"items_downloaded"`
	Duration           float64 `json:"duration"`
}
