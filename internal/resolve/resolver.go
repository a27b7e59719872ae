package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tesfayekb/core-base/internal/audit"
	"github.com/tesfayekb/core-base/internal/grants"
	"github.com/tesfayekb/core-base/internal/tenant"
)

var (
	// ErrInvalidInput indicates an empty tenant or user id.
	ErrInvalidInput = errors.New("resolve: tenant and user ids required")
	// ErrUnavailable indicates the grant store could not be reached.
	// Resolve propagates it; Check fails closed instead.
	ErrUnavailable = errors.New("resolve: grant store unavailable")
)

// GrantSource is the tenant-scoped read surface of the grant store.
type GrantSource interface {
	DirectPermissions(ctx context.Context, userID string) ([]grants.DirectGrant, error)
	UserRoles(ctx context.Context, userID string) ([]grants.RoleGrant, error)
	RolePermissions(ctx context.Context, roleID string) ([]grants.Permission, error)
	HasMembership(ctx context.Context, userID string) (bool, error)
}

// Resolver computes effective permission sets, serving from the cache where
// possible. Safe for concurrent use.
type Resolver struct {
	source    GrantSource
	cache     Cache
	emitter   audit.Emitter
	metrics   *Metrics
	logger    *slog.Logger
	sensitive map[string]struct{}
	group     singleflight.Group
}

// Config carries resolver construction options.
type Config struct {
	Source  GrantSource
	Cache   Cache
	Emitter audit.Emitter
	Metrics *Metrics
	Logger  *slog.Logger
	// SensitiveResources lists resource types whose denied checks are
	// audited. Empty means no denial auditing.
	SensitiveResources []string
}

// NewResolver constructs a Resolver.
func NewResolver(cfg Config) *Resolver {
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = audit.Noop{}
	}
	sensitive := make(map[string]struct{}, len(cfg.SensitiveResources))
	for _, res := range cfg.SensitiveResources {
		sensitive[res] = struct{}{}
	}
	return &Resolver{
		source:    cfg.Source,
		cache:     cfg.Cache,
		emitter:   emitter,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		sensitive: sensitive,
	}
}

// Resolve returns the effective permission set for the user in the tenant.
// The active tenant context must equal tenantID. On a cache miss the load
// runs outside any cache lock and concurrent misses for the same key
// collapse into one grant store round trip.
func (r *Resolver) Resolve(ctx context.Context, tenantID, userID string) (*Set, error) {
	if tenantID == "" || userID == "" {
		return nil, ErrInvalidInput
	}
	if err := tenant.Require(ctx, tenantID); err != nil {
		return nil, err
	}

	if set, ok := r.cache.Get(ctx, tenantID, userID); ok {
		r.metrics.Resolution("hit")
		return set, nil
	}

	// The load is detached from the caller's cancellation: either the full
	// computed set is stored or nothing is, and waiters collapsed onto this
	// flight still get a usable result.
	loadCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(cacheKey(tenantID, userID), func() (any, error) {
		set, err := r.load(loadCtx, userID)
		if err != nil {
			return nil, err
		}
		r.cache.Put(loadCtx, tenantID, userID, set)
		return set, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			r.metrics.Resolution("error")
			return nil, res.Err
		}
		r.metrics.Resolution("miss")
		return res.Val.(*Set), nil
	}
}

// load unions direct grants and role-derived grants from the store. Direct
// grants are added first and roles in sorted name order so provenance comes
// out deterministic.
func (r *Resolver) load(ctx context.Context, userID string) (*Set, error) {
	member, err := r.source.HasMembership(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	set := NewSet()
	if !member {
		return set, nil
	}

	direct, err := r.source.DirectPermissions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	for _, g := range direct {
		resourceID := ""
		if g.ResourceID != nil {
			resourceID = *g.ResourceID
		}
		set.Add(EffectivePermission{
			Resource:   g.Permission.Resource,
			Action:     g.Permission.Action,
			ResourceID: resourceID,
			Source:     SourceDirect,
		})
	}

	roles, err := r.source.UserRoles(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].RoleName < roles[j].RoleName })
	for _, role := range roles {
		perms, err := r.source.RolePermissions(ctx, role.RoleID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		for _, p := range perms {
			set.Add(EffectivePermission{
				Resource: p.Resource,
				Action:   p.Action,
				Source:   role.RoleName,
			})
		}
	}
	return set, nil
}

// Check reports whether the user may perform action on resource. Resolution
// failures deny rather than propagate: callers treat Check as a boolean
// gate and it must never fail open. Security errors (missing or mismatched
// tenant context) are returned alongside the denial and audited.
func (r *Resolver) Check(ctx context.Context, tenantID, userID string, action grants.Action, resource, resourceID string) (bool, error) {
	set, err := r.Resolve(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, tenant.ErrMissingContext) || errors.Is(err, tenant.ErrContextViolation) {
			r.emitDenied(ctx, tenantID, userID, action, resource, resourceID, map[string]any{"error": err.Error()})
			return false, err
		}
		if r.logger != nil {
			r.logger.Warn("check failed closed", slog.Any("error", err),
				slog.String("tenant_id", tenantID), slog.String("user_id", userID))
		}
		return false, nil
	}

	allowed := set.Allows(action, resource, resourceID)
	if !allowed {
		if _, ok := r.sensitive[resource]; ok {
			r.emitDenied(ctx, tenantID, userID, action, resource, resourceID, nil)
		}
	}
	return allowed, nil
}

// Prefetch warms the cache for a batch of users, e.g. ahead of a bulk
// operation. Individual failures abort the batch.
func (r *Resolver) Prefetch(ctx context.Context, tenantID string, userIDs []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, userID := range userIDs {
		g.Go(func() error {
			_, err := r.Resolve(ctx, tenantID, userID)
			return err
		})
	}
	return g.Wait()
}

func (r *Resolver) emitDenied(ctx context.Context, tenantID, userID string, action grants.Action, resource, resourceID string, detail map[string]any) {
	r.emitter.Emit(ctx, audit.Event{
		TenantID:   tenantID,
		UserID:     userID,
		Action:     string(action),
		Resource:   resource,
		ResourceID: resourceID,
		Outcome:    audit.OutcomeDenied,
		Detail:     detail,
	})
}
