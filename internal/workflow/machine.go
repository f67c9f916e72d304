// Package workflow sequences a retrieval job through its phases. The Machine
// records and announces transitions; the Coordinator decides which ones to
// make.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/model"
)

// Observer is notified of every transition, after it is recorded.
type Observer interface {
	OnTransition(ctx context.Context, t model.Transition) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, t model.Transition) error

// OnTransition calls f.
func (f ObserverFunc) OnTransition(ctx context.Context, t model.Transition) error { return f(ctx, t) }

// Observers fans a transition out to several observers. Every observer runs
// even if an earlier one fails.
type Observers []Observer

// OnTransition calls each observer in order and returns the first error.
func (o Observers) OnTransition(ctx context.Context, t model.Transition) error {
	var first error
	for _, obs := range o {
		if obs == nil {
			continue
		}
		if err := obs.OnTransition(ctx, t); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Machine holds one job's current state and its append-only transition log.
// Any state may follow any other; the calling workflow enforces the legal
// order.
type Machine struct {
	// transitionMu serializes TransitionTo including the observer call, so
	// at most one transition is in flight per job.
	transitionMu sync.Mutex

	mu      sync.RWMutex
	state   model.State
	log     []model.Transition
	scratch map[string]any

	observer Observer
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewMachine creates a machine in Idle. observer and metrics may be nil.
func NewMachine(observer Observer, metrics *observability.Metrics, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		state:    model.StateIdle,
		scratch:  make(map[string]any),
		observer: observer,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// TransitionTo records a transition to state and notifies the observer. It
// returns once the observer has returned. Observer errors and panics are
// logged, never propagated.
func (m *Machine) TransitionTo(ctx context.Context, state model.State, message string) model.Transition {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	t := model.Transition{
		From:      m.state,
		To:        state,
		Message:   message,
		Timestamp: m.now(),
	}
	m.log = append(m.log, t)
	m.state = state
	m.mu.Unlock()

	m.metrics.RecordTransition(string(t.From), string(t.To))
	observability.RecordTransition(ctx, string(t.From), string(t.To), message)
	observability.JobLogger(ctx, m.logger).Info("state transition",
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("message", message),
	)

	m.notify(ctx, t)
	return t
}

func (m *Machine) notify(ctx context.Context, t model.Transition) {
	if m.observer == nil {
		return
	}
	logger := observability.JobLogger(ctx, m.logger)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("transition observer panicked",
				zap.String("to", string(t.To)),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	if err := m.observer.OnTransition(ctx, t); err != nil {
		logger.Warn("transition observer failed",
			zap.String("to", string(t.To)),
			zap.Error(err),
		)
	}
}

// Reset returns the machine to Idle and clears the log and scratch values.
// It must not be called while a job is running on the machine.
func (m *Machine) Reset() {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = model.StateIdle
	m.log = nil
	m.scratch = make(map[string]any)
}

// State returns the current state.
func (m *Machine) State() model.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transitions returns a copy of the transition log.
func (m *Machine) Transitions() []model.Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Transition, len(m.log))
	copy(out, m.log)
	return out
}

// Set stores a scratch value for the running job.
func (m *Machine) Set(key string, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scratch[key] = v
}

// Value returns a scratch value.
func (m *Machine) Value(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.scratch[key]
	return v, ok
}
