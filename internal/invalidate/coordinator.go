// Package invalidate cascades cache evictions in response to grant changes.
// Eviction completes before the triggering write is acknowledged, so no
// caller can observe stale elevated permissions after a revocation commits.
package invalidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tesfayekb/core-base/internal/audit"
	"github.com/tesfayekb/core-base/internal/tenantctx"
)

// EventType classifies a grant change.
type EventType string

const (
	EventUser       EventType = "user"
	EventRole       EventType = "role"
	EventPermission EventType = "permission"
	EventEntity     EventType = "entity"
	EventTenant     EventType = "tenant"
)

// Event describes one grant change. EntityID is interpreted per Type: a user
// id, role id, permission id, or resource instance id. Tenant-wide events
// carry no entity.
type Event struct {
	Type     EventType
	EntityID string
	TenantID string
}

// ErrInvalidEvent indicates a malformed invalidation event.
var ErrInvalidEvent = errors.New("invalidate: invalid event")

// Evictor is the cache surface the coordinator drives. Evicting an absent
// key is a no-op, which is what makes event replay idempotent. Eviction
// errors fail the event, and through it the grant write that raised it.
type Evictor interface {
	Evict(ctx context.Context, tenantID, userID string) error
	EvictTenant(ctx context.Context, tenantID string) error
}

// Lookup resolves the reverse mappings needed for cascades. Results are a
// snapshot taken before eviction; a grant change racing the cascade will
// fire its own event afterwards.
type Lookup interface {
	UsersWithRole(ctx context.Context, roleID string) ([]string, error)
	UsersWithPermission(ctx context.Context, permissionID string) ([]string, error)
	UsersWithResourceGrant(ctx context.Context, resourceID string) ([]string, error)
}

// Coordinator receives grant-change events and evicts the affected cache
// entries.
type Coordinator struct {
	cache   Evictor
	lookup  Lookup
	emitter audit.Emitter
	metrics *Metrics
	logger  *slog.Logger
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cache Evictor, lookup Lookup, emitter audit.Emitter, metrics *Metrics, logger *slog.Logger) *Coordinator {
	if emitter == nil {
		emitter = audit.Noop{}
	}
	return &Coordinator{cache: cache, lookup: lookup, emitter: emitter, metrics: metrics, logger: logger}
}

// OnGrantChanged applies the cascade rules for one event. Replaying the same
// event is a no-op beyond the first eviction.
func (c *Coordinator) OnGrantChanged(ctx context.Context, ev Event) error {
	if ev.TenantID == "" {
		return fmt.Errorf("%w: missing tenant", ErrInvalidEvent)
	}
	if ev.Type != EventTenant && ev.EntityID == "" {
		return fmt.Errorf("%w: missing entity for %q", ErrInvalidEvent, ev.Type)
	}

	// Suspension hooks arrive outside any scoped unit of work, so the
	// coordinator establishes the tenant context from the event itself.
	ctx = tenantctx.WithTenant(ctx, ev.TenantID)

	fanout, depth, err := c.cascade(ctx, ev)
	if err != nil {
		c.emit(ctx, ev, fanout, audit.OutcomeFailure)
		return err
	}
	if c.metrics != nil {
		c.metrics.Observe(string(ev.Type), fanout, depth)
	}
	if c.logger != nil {
		c.logger.Debug("grant invalidation",
			slog.String("type", string(ev.Type)),
			slog.String("tenant_id", ev.TenantID),
			slog.Int("fanout", fanout))
	}
	c.emit(ctx, ev, fanout, audit.OutcomeSuccess)
	return nil
}

func (c *Coordinator) cascade(ctx context.Context, ev Event) (fanout, depth int, err error) {
	switch ev.Type {
	case EventUser:
		if err := c.cache.Evict(ctx, ev.TenantID, ev.EntityID); err != nil {
			return 0, 1, fmt.Errorf("invalidate: user eviction: %w", err)
		}
		return 1, 1, nil
	case EventRole:
		users, err := c.lookup.UsersWithRole(ctx, ev.EntityID)
		if err != nil {
			return 0, 2, fmt.Errorf("invalidate: role cascade: %w", err)
		}
		return c.evictAll(ctx, ev.TenantID, users, 2)
	case EventPermission:
		users, err := c.lookup.UsersWithPermission(ctx, ev.EntityID)
		if err != nil {
			return 0, 2, fmt.Errorf("invalidate: permission cascade: %w", err)
		}
		return c.evictAll(ctx, ev.TenantID, users, 2)
	case EventEntity:
		users, err := c.lookup.UsersWithResourceGrant(ctx, ev.EntityID)
		if err != nil {
			return 0, 2, fmt.Errorf("invalidate: entity cascade: %w", err)
		}
		return c.evictAll(ctx, ev.TenantID, users, 2)
	case EventTenant:
		if err := c.cache.EvictTenant(ctx, ev.TenantID); err != nil {
			return 0, 1, fmt.Errorf("invalidate: tenant flush: %w", err)
		}
		return 0, 1, nil
	default:
		return 0, 0, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}
}

// evictAll stops at the first failed eviction. The event fails and gets
// replayed whole; evicting the already-gone keys again is a no-op.
func (c *Coordinator) evictAll(ctx context.Context, tenantID string, users []string, depth int) (int, int, error) {
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		if err := c.cache.Evict(ctx, tenantID, u); err != nil {
			return len(seen) - 1, depth, fmt.Errorf("invalidate: eviction fanout: %w", err)
		}
	}
	return len(seen), depth, nil
}

func (c *Coordinator) emit(ctx context.Context, ev Event, fanout int, outcome audit.Outcome) {
	c.emitter.Emit(ctx, audit.Event{
		TenantID: ev.TenantID,
		Action:   "grants.invalidate",
		Resource: string(ev.Type),
		Outcome:  outcome,
		Detail: map[string]any{
			"entity_id": ev.EntityID,
			"fanout":    fanout,
		},
	})
}
