package model

import (
	"context"
	"fmt"
)

// RequestContext carries the acting principal and tracing information for the
// lifetime of a request. It is immutable after construction and safe for
// concurrent reads.
type RequestContext struct {
	ActorID       string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	if rc.ActorID == "" {
		return fmt.Errorf("ActorID is required")
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

// ActorFrom returns the actor id carried by ctx, or "system" when the call did
// not come through the HTTP surface.
func ActorFrom(ctx context.Context) string {
	if rctx := RequestContextFrom(ctx); rctx != nil && rctx.ActorID != "" {
		return rctx.ActorID
	}
	return ActorSystem
}

// ActorSystem identifies engine-initiated changes in audit trails.
const ActorSystem = "system"
