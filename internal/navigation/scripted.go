package navigation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/capture"
	"github.com/pitabwire/docket/model"
)

// ScriptedSource is the registry name of the scripted source.
const ScriptedSource = "scripted"

// Pages a scripted session can be on.
const (
	PageLogin    = "login"
	PageSearch   = "search"
	PageResults  = "results"
	PageDocument = "document"
	PageError    = "error"
	PageUnknown  = "unknown"
)

// Document behaviours for a fixture entry.
const (
	DocumentValid   = "valid"
	DocumentInvalid = "invalid"
	DocumentNone    = "none"
)

const scriptedHost = "scripted.invalid"

// Fixture describes the site a scripted session navigates.
type Fixture struct {
	Courts    []string      `yaml:"courts"`
	FailLogin bool          `yaml:"fail_login"`
	Cases     []FixtureCase `yaml:"cases"`
	// BackLandings is the sequence of pages GoBack lands on. Once it is
	// exhausted GoBack returns to the results page.
	BackLandings []string `yaml:"back_landings"`
	// SearchLandings is the sequence of pages a successful search lands on.
	// Once it is exhausted searches land on the results page.
	SearchLandings []string `yaml:"search_landings"`

	// Checksum is the SHA-256 of the fixture files in load order.
	Checksum string `yaml:"-"`
	// SourceFiles lists the files the fixture was loaded from.
	SourceFiles []string `yaml:"-"`
}

// FixtureCase is one searchable case.
type FixtureCase struct {
	Query          string         `yaml:"query"`
	CaseNumber     string         `yaml:"case_number"`
	Title          string         `yaml:"title"`
	Court          string         `yaml:"court"`
	SearchFailures int            `yaml:"search_failures"`
	Entries        []FixtureEntry `yaml:"entries"`
}

// FixtureEntry is one docket entry of a case.
type FixtureEntry struct {
	Number      string        `yaml:"number"`
	Description string        `yaml:"description"`
	Date        string        `yaml:"date"`
	Sealed      bool          `yaml:"sealed"`
	Document    string        `yaml:"document"`
	Fetch       string        `yaml:"fetch"`
	Delay       time.Duration `yaml:"delay"`
}

// ScriptedOptions configures scripted sessions.
type ScriptedOptions struct {
	Fetch capture.FetchOptions
}

// NewScriptedFactory returns a Factory producing a fresh scripted session
// over fixture for every job.
func NewScriptedFactory(fixture *Fixture, opts ScriptedOptions) Factory {
	return func(_ context.Context, params Params) (Capability, error) {
		if fixture == nil {
			return nil, errors.New("no scripted fixture loaded")
		}
		return NewScripted(fixture, opts, params.Logger), nil
	}
}

// SearchCall records one Search invocation.
type SearchCall struct {
	Query string
	Court string
}

// Scripted is a Capability that walks a Fixture instead of a live site. It
// captures documents through an interception feed and an authenticated fetch
// served from the fixture, so the whole capture race runs for real.
type Scripted struct {
	fixture *Fixture
	feed    *capture.Feed
	fetch   *capture.Fetch
	logger  *zap.Logger

	mu            sync.Mutex
	authenticated bool
	closed        bool
	page          string
	current       *FixtureCase
	failures      map[string]int
	landings      []string
	searchPages   []string
	searches      []SearchCall
	opened        []string
	goBacks       int
}

// NewScripted creates a scripted session.
func NewScripted(fixture *Fixture, opts ScriptedOptions, logger *zap.Logger) *Scripted {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scripted{
		fixture:     fixture,
		feed:        capture.NewFeed("interception"),
		logger:      logger,
		page:        PageLogin,
		failures:    make(map[string]int),
		landings:    append([]string(nil), fixture.BackLandings...),
		searchPages: append([]string(nil), fixture.SearchLandings...),
	}
	client := &http.Client{Transport: scriptedTransport{s: s}}
	locator := capture.LocatorFunc(func(_ context.Context, target capture.Target) (string, error) {
		return "http://" + scriptedHost + "/doc?target=" + url.QueryEscape(target.ID), nil
	})
	s.fetch = capture.NewFetch("fetch", client, locator, opts.Fetch, logger)
	return s
}

// Authenticate logs in.
func (s *Scripted) Authenticate(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fixture.FailLogin {
		return errors.New("scripted: invalid credentials")
	}
	s.authenticated = true
	s.page = PageSearch
	return nil
}

// CourtOptions returns the fixture's courts.
func (s *Scripted) CourtOptions(_ context.Context) ([]string, error) {
	return append([]string(nil), s.fixture.Courts...), nil
}

// Search finds the case for query, narrowed by criteria.Court when both the
// criteria and the case name a court.
func (s *Scripted) Search(_ context.Context, query string, criteria model.SearchCriteria) (Results, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authenticated {
		return Results{}, errors.New("scripted: not authenticated")
	}
	s.searches = append(s.searches, SearchCall{Query: query, Court: criteria.Court})

	c := s.lookup(query)
	if c == nil {
		s.page = PageResults
		return Results{}, ErrNoResults
	}
	if s.failures[c.Query] < c.SearchFailures {
		s.failures[c.Query]++
		s.page = PageError
		return Results{}, fmt.Errorf("scripted: search %q: page did not load", query)
	}
	if criteria.Court != "" && c.Court != "" && !strings.EqualFold(criteria.Court, c.Court) {
		s.page = PageResults
		return Results{}, ErrNoResults
	}
	s.current = c
	s.page = PageResults
	if len(s.searchPages) > 0 {
		s.page = s.searchPages[0]
		s.searchPages = s.searchPages[1:]
	}
	return Results{Query: query, CaseNumber: c.CaseNumber, Title: c.Title, Court: c.Court, Ref: c}, nil
}

// ListEntries lists the case's docket entries.
func (s *Scripted) ListEntries(_ context.Context, results Results) ([]Entry, error) {
	c, ok := results.Ref.(*FixtureCase)
	if !ok || c == nil {
		return nil, errors.New("scripted: results handle is not from this session")
	}
	entries := make([]Entry, 0, len(c.Entries))
	for i, e := range c.Entries {
		entries = append(entries, Entry{
			Index:        i,
			Number:       e.Number,
			Description:  e.Description,
			Date:         e.Date,
			Downloadable: !e.Sealed,
			CaseNumber:   c.CaseNumber,
			Ref:          e,
		})
	}
	return entries, nil
}

// Strategies returns the interception feed and the fetch strategy.
func (s *Scripted) Strategies(Entry) []capture.Strategy {
	return []capture.Strategy{s.feed, s.fetch}
}

// Open renders the entry's document. Depending on the fixture the rendered
// body reaches the interception feed after the entry's delay.
func (s *Scripted) Open(_ context.Context, entry Entry) error {
	fe, ok := entry.Ref.(FixtureEntry)
	if !ok {
		return errors.New("scripted: entry is not from this session")
	}
	if fe.Sealed {
		return fmt.Errorf("scripted: entry %s is sealed", entry.Number)
	}
	targetID := capture.TargetID(entry.CaseNumber, entry.Number)

	s.mu.Lock()
	s.page = PageDocument
	s.opened = append(s.opened, targetID)
	s.mu.Unlock()

	var body []byte
	switch fe.Document {
	case "", DocumentValid:
		body = scriptedPDF(targetID)
	case DocumentInvalid:
		body = scriptedErrorPage()
	default:
		return nil
	}
	go func() {
		if fe.Delay > 0 {
			time.Sleep(fe.Delay)
		}
		if !s.feed.Offer(targetID, body) {
			s.logger.Debug("scripted document rendered with no observer armed",
				zap.String("target_id", targetID),
			)
		}
	}()
	return nil
}

// GoBack navigates back, landing on the next configured page.
func (s *Scripted) GoBack(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.goBacks++
	if len(s.landings) > 0 {
		s.page = s.landings[0]
		s.landings = s.landings[1:]
		return nil
	}
	if s.current != nil {
		s.page = PageResults
	} else {
		s.page = PageSearch
	}
	return nil
}

// AtResults reports whether the session is on a results page.
func (s *Scripted) AtResults(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page == PageResults, nil
}

// Close ends the session. It is safe to call more than once.
func (s *Scripted) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.authenticated = false
	return nil
}

// Closed reports whether Close was called.
func (s *Scripted) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Page returns the current page.
func (s *Scripted) Page() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// Searches returns the recorded Search calls.
func (s *Scripted) Searches() []SearchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SearchCall(nil), s.searches...)
}

// Opened returns the target IDs of opened entries in order.
func (s *Scripted) Opened() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.opened...)
}

// GoBacks returns how many times GoBack was called.
func (s *Scripted) GoBacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.goBacks
}

func (s *Scripted) lookup(query string) *FixtureCase {
	for i := range s.fixture.Cases {
		c := &s.fixture.Cases[i]
		if strings.EqualFold(c.Query, query) || strings.EqualFold(c.CaseNumber, query) {
			return c
		}
	}
	return nil
}

func (s *Scripted) entryFor(targetID string) (FixtureEntry, bool) {
	for _, c := range s.fixture.Cases {
		for _, e := range c.Entries {
			if capture.TargetID(c.CaseNumber, e.Number) == targetID {
				return e, true
			}
		}
	}
	return FixtureEntry{}, false
}

// scriptedTransport serves document fetches from the fixture.
type scriptedTransport struct {
	s *Scripted
}

func (t scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Host != scriptedHost {
		return nil, fmt.Errorf("scripted: unexpected host %q", req.URL.Host)
	}
	targetID := req.URL.Query().Get("target")
	e, ok := t.s.entryFor(targetID)
	status := http.StatusOK
	var body []byte
	switch {
	case !ok || e.Sealed:
		status = http.StatusNotFound
	case e.Fetch == DocumentValid:
		body = scriptedPDF(targetID)
	case e.Fetch == DocumentInvalid:
		body = scriptedErrorPage()
	default:
		status = http.StatusNotFound
	}
	return &http.Response{
		StatusCode:    status,
		Status:        http.StatusText(status),
		Header:        http.Header{"Content-Type": []string{"application/pdf"}},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

func scriptedPDF(targetID string) []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n% ")
	b.WriteString(targetID)
	b.WriteString("\n")
	b.Write(bytes.Repeat([]byte("0 0 obj\n"), 64))
	b.WriteString("%%EOF\n")
	return b.Bytes()
}

func scriptedErrorPage() []byte {
	return []byte("<!DOCTYPE html><html><head><title>Error</title></head>" +
		"<body><h1>Document unavailable</h1><p>Your session has expired. Please log in again.</p></body></html>")
}
