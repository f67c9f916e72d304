// Package capture obtains the bytes of a single-use resource by racing
// several independent observation strategies against each other. All
// strategies are armed before the action that creates the resource, the
// first valid candidate wins, and it is written to disk exactly once.
package capture

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Race.Run.
var (
	ErrNoStrategies    = errors.New("capture: no strategies could be armed")
	ErrRaceTimeout     = errors.New("capture: no strategy produced a valid resource before the timeout")
	ErrExhausted       = errors.New("capture: every strategy exhausted without a valid resource")
	ErrInvalidResource = errors.New("capture: invalid resource")
	ErrTriggerFailed   = errors.New("capture: trigger failed")
)

// Target identifies the resource being captured. The output filename is
// derived from CaseNumber and EntryNumber only, so a retried capture for the
// same target overwrites rather than duplicates.
type Target struct {
	ID          string
	CaseNumber  string
	EntryNumber string
	Dir         string
}

// TargetID returns the stable identity of a case document.
func TargetID(caseNumber, entryNumber string) string {
	return caseNumber + "#" + entryNumber
}

// Filename returns the deterministic file name for the target.
func (t Target) Filename() string {
	return Filename(t.CaseNumber, t.EntryNumber)
}

// Strategy is one independent way of observing the resource.
type Strategy interface {
	Name() string
	// Arm prepares the strategy to observe target. It is called before the
	// trigger and must not itself touch the resource's primary path.
	Arm(ctx context.Context, target Target) (Observer, error)
}

// Observer yields candidate payloads for one armed strategy.
type Observer interface {
	// Next blocks until a candidate is observed. Any error ends the
	// observer. Next must return promptly once ctx is done.
	Next(ctx context.Context) ([]byte, error)
	// Close releases the observer. It may be called concurrently with Next.
	Close() error
}

// Result is the state of a capture session.
type Result string

const (
	ResultPending  Result = "pending"
	ResultCaptured Result = "captured"
	ResultFailed   Result = "failed"
)

// Resource is the captured payload.
type Resource struct {
	Bytes      []byte
	Strategy   string
	CapturedAt time.Time
}

// Rejection records a candidate turned away by the validity gate.
type Rejection struct {
	Strategy string
	Reason   string
}

// StrategyFailure records a strategy that could not contribute.
type StrategyFailure struct {
	Strategy string
	Err      string
}

// Session is the outcome of one race. It is owned by the race until Run
// returns and is not modified afterwards.
type Session struct {
	TargetID   string
	StartedAt  time.Time
	FinishedAt time.Time
	Result     Result
	Resource   *Resource
	Path       string
	Rejections []Rejection
	Failures   []StrategyFailure
	Err        error
}

// Duration returns how long the race ran.
func (s *Session) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
