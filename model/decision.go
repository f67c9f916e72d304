package model

import (
	"encoding/json"
	"time"
)

// DecisionKind identifies what an operator is being asked to decide.
type DecisionKind string

const (
	DecisionCourtSelection DecisionKind = "court_selection"
	DecisionEntrySelection DecisionKind = "entry_selection"
)

// Operator response actions.
const (
	ActionSelectCourt      = "select_court"
	ActionCancel           = "cancel"
	ActionDownloadAll      = "download_all"
	ActionDownloadSelected = "download_selected"
	ActionSkip             = "skip"
	ActionManualSelect     = "manual_select"
)

// SkipCourtSelection is the selected_court value that keeps the search
// unfiltered by court.
const SkipCourtSelection = "__SKIP__"

// DecisionRequest asks the operator of one session for a decision. At most
// one request is outstanding per session.
type DecisionRequest struct {
	Kind      DecisionKind `json:"kind"`
	SessionID string       `json:"session_id"`
	JobID     string       `json:"job_id,omitempty"`
	Prompt    any          `json:"prompt_payload"`
	CreatedAt time.Time    `json:"created_at"`
}

// DecisionResponse is an operator's answer to the outstanding request of a
// session.
type DecisionResponse struct {
	SessionID string         `json:"session_id"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// SelectedCourt returns the selected_court payload value, or "".
func (r DecisionResponse) SelectedCourt() string {
	v, _ := r.Payload["selected_court"].(string)
	return v
}

// SelectedIndices returns the selected_indices payload value. JSON numbers
// decode as float64, so both int and float64 elements are accepted.
func (r DecisionResponse) SelectedIndices() []int {
	raw, ok := r.Payload["selected_indices"].([]any)
	if !ok {
		if ints, ok := r.Payload["selected_indices"].([]int); ok {
			return ints
		}
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		}
	}
	return out
}

// Inbound message types accepted on the operator channel.
const (
	MessageUserResponse = "user_response"
	MessagePing         = "ping"
	MessagePong         = "pong"
)

// InboundMessage is a message received from an operator connection.
type InboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Response converts a user_response message into a DecisionResponse. The
// action defaults to select_court when only selected_court is present.
func (m InboundMessage) Response(sessionID string) (DecisionResponse, error) {
	payload := map[string]any{}
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &payload); err != nil {
			return DecisionResponse{}, err
		}
	}
	action, _ := payload["action"].(string)
	if action == "" {
		if _, ok := payload["selected_court"]; ok {
			action = ActionSelectCourt
		}
	}
	if m.SessionID != "" {
		sessionID = m.SessionID
	}
	return DecisionResponse{SessionID: sessionID, Action: action, Payload: payload}, nil
}
