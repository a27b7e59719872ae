// Package tenantctx holds the tenant context plumbing as a leaf package so
// that both internal/tenant and internal/invalidate can import it without a
// package cycle. internal/tenant re-exports everything here; callers outside
// the cycle keep using the tenant package.
package tenantctx

import (
	"context"
	"errors"
)

var (
	// ErrMissingContext indicates a tenant-scoped call executed without an
	// active tenant context. This is a programming error and is never
	// silently defaulted.
	ErrMissingContext = errors.New("tenant: no active tenant context")
	// ErrContextViolation indicates the caller-supplied tenant does not
	// match the active context. Treated as a security error.
	ErrContextViolation = errors.New("tenant: tenant does not match active context")
)

type contextKey struct{}

// WithTenant returns a context carrying tenantID as the active tenant.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKey{}, tenantID)
}

// FromContext extracts the active tenant. Returns ErrMissingContext when no
// tenant has been established.
func FromContext(ctx context.Context) (string, error) {
	id, _ := ctx.Value(contextKey{}).(string)
	if id == "" {
		return "", ErrMissingContext
	}
	return id, nil
}

// Require verifies that tenantID equals the active tenant context.
func Require(ctx context.Context, tenantID string) error {
	active, err := FromContext(ctx)
	if err != nil {
		return err
	}
	if active != tenantID {
		return ErrContextViolation
	}
	return nil
}

// Scoped runs fn with tenantID established as the active tenant. The scope
// ends when fn returns on any path; callers never observe a lingering tenant.
func Scoped(ctx context.Context, tenantID string, fn func(context.Context) error) error {
	if tenantID == "" {
		return ErrMissingContext
	}
	return fn(WithTenant(ctx, tenantID))
}
