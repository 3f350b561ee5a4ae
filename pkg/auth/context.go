package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey int

const (
	identityKey contextKey = iota
	policyKey
)

// ContextWithIdentity attaches identity to ctx. Unauthenticated identities
// (nil or without a user id) are refused: ctx is returned unchanged and ok
// is false.
func ContextWithIdentity(ctx context.Context, identity *Identity) (_ context.Context, ok bool) {
	if !identity.Authenticated() {
		return ctx, false
	}
	return context.WithValue(ctx, identityKey, identity), true
}

// IdentityFromContext returns the identity attached by the pipeline.
//
//	id, ok := auth.IdentityFromContext(r.Context())
//	if !ok {
//	    // anonymous handler
//	}
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*Identity)
	return identity, ok && identity.Authenticated()
}

// MustIdentityFromContext is IdentityFromContext for handlers whose policy
// requires authentication. It panics when no identity is present, which the
// pipeline's recover stage turns into a 500.
func MustIdentityFromContext(ctx context.Context) *Identity {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		panic("auth: no identity in context; handler is not behind an authenticated policy")
	}
	return identity
}

// ContextWithPolicy records the policy the pipeline enforced.
func ContextWithPolicy(ctx context.Context, p Policy) context.Context {
	return context.WithValue(ctx, policyKey, p)
}

// PolicyFromContext returns the policy the pipeline enforced for the
// current request.
func PolicyFromContext(ctx context.Context) (Policy, bool) {
	p, ok := ctx.Value(policyKey).(Policy)
	return p, ok
}

// TraceIDFromContext returns the active OpenTelemetry trace id, if any.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}
