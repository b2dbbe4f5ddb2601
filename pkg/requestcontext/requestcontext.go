// Package requestcontext carries request-scoped facts: the acting identity,
// an optional impersonator, the device fingerprint and user agent, and a
// single "now" captured at the start of the request so every timestamp
// within one request agrees.
package requestcontext

import (
	"context"
	"time"

	"trellis/internal/recordable"
)

type actorKey struct{}
type impersonatorKey struct{}
type fingerprintKey struct{}
type userAgentKey struct{}
type timeKey struct{}

// WithActor stores the acting identity.
func WithActor(ctx context.Context, actor recordable.Ref) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor returns the acting identity, or nil when the request is anonymous.
func Actor(ctx context.Context) *recordable.Ref {
	if actor, ok := ctx.Value(actorKey{}).(recordable.Ref); ok && !actor.IsZero() {
		return &actor
	}
	return nil
}

// WithImpersonator stores the real identity behind an impersonated request.
func WithImpersonator(ctx context.Context, impersonator recordable.Ref) context.Context {
	return context.WithValue(ctx, impersonatorKey{}, impersonator)
}

func Impersonator(ctx context.Context) *recordable.Ref {
	if imp, ok := ctx.Value(impersonatorKey{}).(recordable.Ref); ok && !imp.IsZero() {
		return &imp
	}
	return nil
}

// WithFingerprint stores the client-supplied device fingerprint.
func WithFingerprint(ctx context.Context, fingerprint string) context.Context {
	return context.WithValue(ctx, fingerprintKey{}, fingerprint)
}

func Fingerprint(ctx context.Context) string {
	fp, _ := ctx.Value(fingerprintKey{}).(string)
	return fp
}

// WithUserAgent stores the raw User-Agent header.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentKey{}, userAgent)
}

func UserAgent(ctx context.Context) string {
	ua, _ := ctx.Value(userAgentKey{}).(string)
	return ua
}

// WithTime pins the request time.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, timeKey{}, t)
}

// Now returns the request time, falling back to the wall clock outside a
// request.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(timeKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}
