package capture

import (
	"sync"
	"time"

	"github.com/pitabwire/docket/internal/observability"
)

// BreakerState is the state of a strategy breaker.
type BreakerState int

const (
	// BreakerClosed arms the strategy normally. Consecutive failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen arms the strategy once as a trial.
	BreakerHalfOpen
	// BreakerOpen skips the strategy until the cooldown elapses.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker stops arming a strategy that keeps failing. It trips after
// failureThreshold consecutive failures, stays open for cooldown, then lets
// one trial through. It is safe for concurrent use.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	failureThreshold int
	cooldown         time.Duration
	openedAt         time.Time
	probing          bool
	now              func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(failureThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Breaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// Allow reports whether the strategy may be armed. In half-open only one
// trial is allowed until it is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()
	switch b.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a failure. A failed trial reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// Release returns an unused half-open trial without recording an outcome,
// e.g. when the strategy lost the race to another one.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// trip opens the breaker. Must be called with lock held.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.probing = false
}

// refresh moves Open to HalfOpen once the cooldown elapsed. Must be called
// with lock held.
func (b *Breaker) refresh() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
		b.probing = false
	}
}

// BreakerSet holds one breaker per strategy name and mirrors their states
// into metrics.
type BreakerSet struct {
	mu               sync.Mutex
	breakers         map[string]*Breaker
	failureThreshold int
	cooldown         time.Duration
	metrics          *observability.Metrics
}

// NewBreakerSet creates an empty set. metrics may be nil.
func NewBreakerSet(failureThreshold int, cooldown time.Duration, metrics *observability.Metrics) *BreakerSet {
	return &BreakerSet{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		metrics:          metrics,
	}
}

// Get returns the breaker for a strategy, creating it on first use.
func (s *BreakerSet) Get(strategy string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[strategy]
	if !ok {
		b = NewBreaker(s.failureThreshold, s.cooldown)
		s.breakers[strategy] = b
	}
	return b
}

// Allow reports whether the strategy may be armed.
func (s *BreakerSet) Allow(strategy string) bool {
	if s == nil {
		return true
	}
	ok := s.Get(strategy).Allow()
	s.publish(strategy)
	return ok
}

// Success records a successful capture for the strategy.
func (s *BreakerSet) Success(strategy string) {
	if s == nil {
		return
	}
	s.Get(strategy).RecordSuccess()
	s.publish(strategy)
}

// Failure records a failed capture for the strategy.
func (s *BreakerSet) Failure(strategy string) {
	if s == nil {
		return
	}
	s.Get(strategy).RecordFailure()
	s.publish(strategy)
}

// Release returns an unused trial for the strategy.
func (s *BreakerSet) Release(strategy string) {
	if s == nil {
		return
	}
	s.Get(strategy).Release()
}

// States returns a snapshot of every breaker's state.
func (s *BreakerSet) States() map[string]BreakerState {
	s.mu.Lock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	s.mu.Unlock()

	out := make(map[string]BreakerState, len(names))
	for _, name := range names {
		out[name] = s.Get(name).State()
	}
	return out
}

func (s *BreakerSet) publish(strategy string) {
	s.metrics.SetCaptureBreakerState(strategy, float64(s.Get(strategy).State()))
}
