package workflow

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/docket/internal/capture"
	"github.com/pitabwire/docket/internal/navigation"
	"github.com/pitabwire/docket/model"
)

// stubNav is a hand-written navigation session. Every search returns a fresh
// results handle whose case number carries the search count, and its
// entries carry no case number of their own.
type stubNav struct {
	mu           sync.Mutex
	searches     int
	page         string
	backLandings []string
	entries      []string
	onSearch     func()
	closed       atomic.Bool
}

func (n *stubNav) Authenticate(context.Context) error { return nil }

func (n *stubNav) Search(_ context.Context, query string, _ model.SearchCriteria) (navigation.Results, error) {
	if n.onSearch != nil {
		n.onSearch()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.searches++
	n.page = navigation.PageResults
	return navigation.Results{Query: query, CaseNumber: fmt.Sprintf("%s-r%d", query, n.searches)}, nil
}

func (n *stubNav) ListEntries(context.Context, navigation.Results) ([]navigation.Entry, error) {
	out := make([]navigation.Entry, len(n.entries))
	for i, num := range n.entries {
		out[i] = navigation.Entry{Index: i + 1, Number: num, Description: "entry " + num, Downloadable: true}
	}
	return out, nil
}

func (n *stubNav) Open(context.Context, navigation.Entry) error {
	n.mu.Lock()
	n.page = navigation.PageDocument
	n.mu.Unlock()
	return nil
}

func (n *stubNav) GoBack(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.backLandings) > 0 {
		n.page = n.backLandings[0]
		n.backLandings = n.backLandings[1:]
		return nil
	}
	n.page = navigation.PageResults
	return nil
}

func (n *stubNav) AtResults(context.Context) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.page == navigation.PageResults, nil
}

func (n *stubNav) Strategies(navigation.Entry) []capture.Strategy {
	return []capture.Strategy{instantStrategy{}}
}

func (n *stubNav) Close() error {
	n.closed.Store(true)
	return nil
}

// instantStrategy yields a valid document as soon as it is asked.
type instantStrategy struct{}

func (instantStrategy) Name() string { return "instant" }

func (instantStrategy) Arm(context.Context, capture.Target) (capture.Observer, error) {
	return &instantObserver{}, nil
}

type instantObserver struct{ served bool }

func (o *instantObserver) Next(ctx context.Context) ([]byte, error) {
	if !o.served {
		o.served = true
		return append([]byte("%PDF-1.7\n"), bytes.Repeat([]byte{'x'}, 256)...), nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (o *instantObserver) Close() error { return nil }

// useStub registers nav as the "stub" source on the harness.
func (h *harness) useStub(nav *stubNav) {
	h.sources.Register("stub", func(context.Context, navigation.Params) (navigation.Capability, error) {
		return nav, nil
	})
}
