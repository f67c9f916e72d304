package model

import "time"

// State is a phase of a retrieval job. Exactly one State is current per job.
type State string

// Job states.
const (
	StateIdle                   State = "idle"
	StateInitializing           State = "initializing"
	StateAuthenticating         State = "authenticating"
	StateSearching              State = "searching"
	StateAwaitingCourtSelection State = "awaiting_court_selection"
	StateAwaitingEntrySelection State = "awaiting_entry_selection"
	StateExtractingEntries      State = "extracting_entries"
	StateCapturing              State = "capturing"
	StateRecovering             State = "recovering"
	StateCompleted              State = "completed"
	StateFailed                 State = "failed"
	StateCancelled              State = "cancelled"
)

// IsTerminal reports whether no further phase follows s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// AwaitingDecision returns the pause state for the given decision kind.
func AwaitingDecision(kind DecisionKind) State {
	if kind == DecisionCourtSelection {
		return StateAwaitingCourtSelection
	}
	return StateAwaitingEntrySelection
}

// Transition is one entry of a job's append-only audit log.
type Transition struct {
	From      State     `json:"from_state"`
	To        State     `json:"to_state"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
