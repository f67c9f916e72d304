package decision

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/model"
)

// Sentinel errors.
var (
	ErrDecisionPending = errors.New("decision: a request is already outstanding for this session")
	ErrNoPending       = errors.New("decision: no outstanding request for this session")
	ErrMissingSession  = errors.New("decision: session id is required")
)

// OutcomeKind says how an outstanding request was resolved.
type OutcomeKind string

const (
	Answered  OutcomeKind = "answered"
	TimedOut  OutcomeKind = "timed_out"
	Cancelled OutcomeKind = "cancelled"
)

// Outcome is the single resolution of a request. Response is only set when
// Kind is Answered.
type Outcome struct {
	Kind     OutcomeKind
	Response model.DecisionResponse
}

// pending is one outstanding request. done is buffered so the single
// resolver never blocks.
type pending struct {
	req      model.DecisionRequest
	done     chan Outcome
	resolved bool
}

// slot holds at most one pending request for a session. unclaimed keeps a
// request resolved before its Await ran, so an answer that arrives quickly
// is not lost. dead marks a slot removed from the map so late lookups retry
// with a fresh one.
type slot struct {
	mu        sync.Mutex
	p         *pending
	unclaimed *pending
	dead      bool
}

// Channel is the per-session decision pipe. Each session has an independent
// single slot; there is no lock shared across sessions.
type Channel struct {
	slots    sync.Map // session id -> *slot
	registry *Registry
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewChannel creates a channel publishing through registry. Detaching a
// session from the registry cancels its outstanding request.
func NewChannel(registry *Registry, metrics *observability.Metrics, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Channel{
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
	if registry != nil {
		registry.OnDetach(func(sessionID string) {
			c.CancelSession(sessionID)
		})
	}
	return c
}

// slotFor returns the live slot for sessionID, creating it if needed. The
// returned slot is locked.
func (c *Channel) slotFor(sessionID string) *slot {
	for {
		v, _ := c.slots.LoadOrStore(sessionID, &slot{})
		s := v.(*slot)
		s.mu.Lock()
		if !s.dead {
			return s
		}
		s.mu.Unlock()
	}
}

// RequestDecision registers req as the outstanding request of its session.
// A second request while one is outstanding fails with ErrDecisionPending.
func (c *Channel) RequestDecision(req model.DecisionRequest) error {
	if req.SessionID == "" {
		return ErrMissingSession
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = c.now()
	}

	s := c.slotFor(req.SessionID)
	defer s.mu.Unlock()
	if s.p != nil {
		return ErrDecisionPending
	}
	s.p = &pending{req: req, done: make(chan Outcome, 1)}
	s.unclaimed = nil
	c.metrics.RecordDecisionRequested()
	return nil
}

// Pending returns the outstanding request of sessionID, if any.
func (c *Channel) Pending(sessionID string) (model.DecisionRequest, bool) {
	v, ok := c.slots.Load(sessionID)
	if !ok {
		return model.DecisionRequest{}, false
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p == nil {
		return model.DecisionRequest{}, false
	}
	return s.p.req, true
}

// Await suspends until the outstanding request of sessionID is answered,
// timeout elapses, or it is cancelled. ctx cancellation resolves it as
// Cancelled. Exactly one resolution happens per request; the slot is free
// again when Await returns.
func (c *Channel) Await(ctx context.Context, sessionID string, timeout time.Duration) (Outcome, error) {
	v, ok := c.slots.Load(sessionID)
	if !ok {
		return Outcome{}, ErrNoPending
	}
	s := v.(*slot)
	s.mu.Lock()
	p := s.p
	if p == nil {
		p = s.unclaimed
	}
	s.mu.Unlock()
	if p == nil {
		return Outcome{}, ErrNoPending
	}
	defer c.claim(s, p)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out, nil
	case <-timer.C:
		c.resolve(s, p, Outcome{Kind: TimedOut})
	case <-ctx.Done():
		c.resolve(s, p, Outcome{Kind: Cancelled})
	}
	// Whoever resolved first filled done.
	return <-p.done, nil
}

// Ask registers req, publishes its prompt as event, and awaits the outcome.
// A failed publish is logged; the wait still runs so a reconnecting operator
// can answer.
func (c *Channel) Ask(ctx context.Context, req model.DecisionRequest, event model.Event, timeout time.Duration) (Outcome, error) {
	if err := c.RequestDecision(req); err != nil {
		return Outcome{}, err
	}
	if err := c.Publish(ctx, req.SessionID, event); err != nil {
		observability.JobLogger(ctx, c.logger).Warn("decision prompt not delivered",
			zap.String("kind", string(req.Kind)),
			zap.Error(err),
		)
	}
	return c.Await(ctx, req.SessionID, timeout)
}

// Publish sends a notification to the operator of sessionID.
func (c *Channel) Publish(ctx context.Context, sessionID string, event model.Event) error {
	if c.registry == nil {
		return ErrNotConnected
	}
	return c.registry.Publish(ctx, sessionID, event)
}

// Deliver resolves the outstanding request of resp.SessionID with resp. A
// response with no outstanding request is an expected race (the operator
// answered after a timeout); it is dropped and false is returned.
func (c *Channel) Deliver(resp model.DecisionResponse) bool {
	v, ok := c.slots.Load(resp.SessionID)
	if ok {
		s := v.(*slot)
		s.mu.Lock()
		p := s.p
		s.mu.Unlock()
		if p != nil && c.resolve(s, p, Outcome{Kind: Answered, Response: resp}) {
			return true
		}
	}
	c.metrics.RecordLateDelivery()
	c.logger.Debug("response discarded, no outstanding decision",
		zap.String("session_id", resp.SessionID),
		zap.String("action", resp.Action),
	)
	return false
}

// CancelSession resolves the outstanding request of sessionID as Cancelled
// and forgets the session's slot.
func (c *Channel) CancelSession(sessionID string) bool {
	v, ok := c.slots.Load(sessionID)
	if !ok {
		return false
	}
	s := v.(*slot)
	s.mu.Lock()
	p := s.p
	s.mu.Unlock()

	cancelled := p != nil && c.resolve(s, p, Outcome{Kind: Cancelled})

	s.mu.Lock()
	c.dropIfEmpty(sessionID, s)
	s.mu.Unlock()
	return cancelled
}

// resolve settles p with out if it is still outstanding and frees the slot.
func (c *Channel) resolve(s *slot, p *pending, out Outcome) bool {
	s.mu.Lock()
	if p.resolved {
		s.mu.Unlock()
		return false
	}
	p.resolved = true
	if s.p == p {
		s.p = nil
		s.unclaimed = p
	}
	s.mu.Unlock()

	p.done <- out
	c.metrics.RecordDecisionResolved(string(p.req.Kind), string(out.Kind), c.now().Sub(p.req.CreatedAt))
	return true
}

// claim drops p from the unclaimed position once its outcome was read, and
// the slot with it when nothing else is pending.
func (c *Channel) claim(s *slot, p *pending) {
	s.mu.Lock()
	if s.unclaimed == p {
		s.unclaimed = nil
	}
	c.dropIfEmpty(p.req.SessionID, s)
	s.mu.Unlock()
}

// dropIfEmpty removes an idle slot from the map. s.mu must be held.
func (c *Channel) dropIfEmpty(sessionID string, s *slot) {
	if s.p == nil && s.unclaimed == nil && !s.dead {
		s.dead = true
		c.slots.CompareAndDelete(sessionID, s)
	}
}
