// Package decision turns answers from a remote operator into values the
// workflow can wait on, and routes notifications to operator connections.
package decision

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/model"
)

// ErrNotConnected is returned by Publish when a session has no connection.
var ErrNotConnected = errors.New("decision: session not connected")

// Conn is an operator connection. Send must be safe for concurrent use.
type Conn interface {
	Send(ctx context.Context, event model.Event) error
}

// ConnFunc adapts a function to Conn. Func values are not comparable, so a
// ConnFunc must not be passed to Detach.
type ConnFunc func(ctx context.Context, event model.Event) error

// Send calls f.
func (f ConnFunc) Send(ctx context.Context, event model.Event) error { return f(ctx, event) }

// Registry maps session ids to operator connections. It is injected into
// whatever needs to reach an operator; there is no package-level instance.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]Conn
	onDetach []func(sessionID string)
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(metrics *observability.Metrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		conns:   make(map[string]Conn),
		metrics: metrics,
		logger:  logger,
	}
}

// OnDetach registers fn to run after a session's connection is detached.
func (r *Registry) OnDetach(fn func(sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDetach = append(r.onDetach, fn)
}

// Attach binds conn to sessionID, replacing any previous connection. The
// replaced connection, if any, is returned so the caller can close it.
func (r *Registry) Attach(sessionID string, conn Conn) Conn {
	r.mu.Lock()
	prev := r.conns[sessionID]
	r.conns[sessionID] = conn
	r.mu.Unlock()

	if prev == nil {
		r.metrics.OperatorConnected(1)
	}
	r.logger.Info("operator attached",
		zap.String("session_id", sessionID),
		zap.Bool("replaced", prev != nil),
	)
	return prev
}

// Detach unbinds conn from sessionID. It is a no-op when sessionID is bound
// to a different connection, so a stale socket closing cannot cancel the
// decisions of its replacement.
func (r *Registry) Detach(sessionID string, conn Conn) bool {
	r.mu.Lock()
	if cur, ok := r.conns[sessionID]; !ok || cur != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, sessionID)
	hooks := append([]func(string){}, r.onDetach...)
	r.mu.Unlock()

	r.metrics.OperatorConnected(-1)
	r.logger.Info("operator detached", zap.String("session_id", sessionID))
	for _, fn := range hooks {
		fn(sessionID)
	}
	return true
}

// Connected reports whether sessionID has a connection.
func (r *Registry) Connected(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[sessionID]
	return ok
}

// Len returns the number of attached sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Publish sends event to the connection of sessionID.
func (r *Registry) Publish(ctx context.Context, sessionID string, event model.Event) error {
	r.mu.RLock()
	conn, ok := r.conns[sessionID]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("event dropped, session not connected",
			zap.String("session_id", sessionID),
			zap.String("event", string(event.Type)),
		)
		return ErrNotConnected
	}
	if err := conn.Send(ctx, event); err != nil {
		r.logger.Warn("event send failed",
			zap.String("session_id", sessionID),
			zap.String("event", string(event.Type)),
			zap.Error(err),
		)
		return err
	}
	return nil
}
