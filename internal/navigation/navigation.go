// Package navigation defines what the workflow needs from a data source's
// site-specific navigation, and the registry of available sources.
package navigation

import (
	"context"
	"errors"

	"github.com/pitabwire/docket/internal/capture"
	"github.com/pitabwire/docket/model"
)

// ErrNoResults is returned by Search when the query matched nothing.
var ErrNoResults = errors.New("navigation: no results")

// Results is an opaque handle to a results page.
type Results struct {
	Query      string
	CaseNumber string
	Title      string
	Court      string
	Ref        any
}

// Entry is one row of a parent item's listing, e.g. a docket entry.
type Entry struct {
	Index          int
	Number         string
	Description    string
	Date           string
	Downloadable   bool
	MatchedPattern bool
	CaseNumber     string
	Ref            any
}

// Capability drives one authenticated browsing session against a source.
// Every call may fail with a navigation error, which the workflow treats as
// retryable at the item level.
type Capability interface {
	Authenticate(ctx context.Context) error
	Search(ctx context.Context, query string, criteria model.SearchCriteria) (Results, error)
	ListEntries(ctx context.Context, results Results) ([]Entry, error)
	// Open performs the action that renders the entry's document.
	Open(ctx context.Context, entry Entry) error
	GoBack(ctx context.Context) error
	// Close releases the session. It must tolerate being called after the
	// underlying resource is already gone, and more than once.
	Close() error
}

// CourtLister is implemented by sources that can be narrowed by court.
type CourtLister interface {
	CourtOptions(ctx context.Context) ([]string, error)
}

// CaptureProvider is implemented by sources that can capture documents. The
// strategies are armed before Open is called for entry.
type CaptureProvider interface {
	Strategies(entry Entry) []capture.Strategy
}

// StateVerifier is implemented by sources that can tell whether the session
// is on the results page.
type StateVerifier interface {
	AtResults(ctx context.Context) (bool, error)
}
