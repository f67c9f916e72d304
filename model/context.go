package model

import (
	"context"
	"errors"
)

// RequestContext carries the authenticated operator and tracing information
// for the lifetime of a request. It is immutable after construction.
type RequestContext struct {
	Operator      string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// Validate checks that mandatory fields are present.
func (rc *RequestContext) Validate() error {
	if rc.Operator == "" {
		return errors.New("Operator is required")
	}
	return nil
}

// Claim returns the value of the given claim key, or nil if not present.
func (rc *RequestContext) Claim(key string) any {
	if rc.Claims == nil {
		return nil
	}
	return rc.Claims[key]
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
