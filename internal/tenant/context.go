package tenant

import (
	"context"

	"github.com/tesfayekb/core-base/internal/tenantctx"
)

// The context plumbing lives in internal/tenantctx so that packages that
// tenant itself depends on (internal/invalidate) can use it without forming
// an import cycle. These re-exports keep the tenant package's surface — and
// its error identities — unchanged for every other caller.
var (
	// ErrMissingContext indicates a tenant-scoped call executed without an
	// active tenant context. This is a programming error and is never
	// silently defaulted.
	ErrMissingContext = tenantctx.ErrMissingContext
	// ErrContextViolation indicates the caller-supplied tenant does not
	// match the active context. Treated as a security error.
	ErrContextViolation = tenantctx.ErrContextViolation
)

// WithTenant returns a context carrying tenantID as the active tenant.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return tenantctx.WithTenant(ctx, tenantID)
}

// FromContext extracts the active tenant. Returns ErrMissingContext when no
// tenant has been established.
func FromContext(ctx context.Context) (string, error) {
	return tenantctx.FromContext(ctx)
}

// Require verifies that tenantID equals the active tenant context.
func Require(ctx context.Context, tenantID string) error {
	return tenantctx.Require(ctx, tenantID)
}

// Scoped runs fn with tenantID established as the active tenant. The scope
// ends when fn returns on any path; callers never observe a lingering tenant.
func Scoped(ctx context.Context, tenantID string, fn func(context.Context) error) error {
	return tenantctx.Scoped(ctx, tenantID, fn)
}
