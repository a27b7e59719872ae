package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tesfayekb/core-base/internal/grants"
	"github.com/tesfayekb/core-base/internal/invalidate"
	"github.com/tesfayekb/core-base/internal/tenant"
)

// TenantLister enumerates tenants eligible for sweeping.
type TenantLister interface {
	ListActiveIDs(ctx context.Context) ([]string, error)
}

// ExpiredGrantSource finds grants that lapsed inside a window. Queries run
// under a tenant context like every other grant store access.
type ExpiredGrantSource interface {
	GrantsExpiredBetween(ctx context.Context, from, to time.Time) ([]grants.ExpiredGrant, error)
}

// Invalidator cascades cache evictions.
type Invalidator interface {
	OnGrantChanged(ctx context.Context, ev invalidate.Event) error
}

// GrantSweeper walks active tenants and evicts users whose grants expired.
type GrantSweeper struct {
	tenants TenantLister
	source  ExpiredGrantSource
	inv     Invalidator
	logger  *slog.Logger
	now     func() time.Time
}

// NewGrantSweeper constructs a GrantSweeper.
func NewGrantSweeper(tenants TenantLister, source ExpiredGrantSource, inv Invalidator, logger *slog.Logger) *GrantSweeper {
	return &GrantSweeper{tenants: tenants, source: source, inv: inv, logger: logger, now: time.Now}
}

// HandleTask processes one sweep.
func (s *GrantSweeper) HandleTask(ctx context.Context, task *asynq.Task) error {
	var payload GrantSweepPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("jobs: decode sweep payload: %w", err)
	}
	if payload.Lookback <= 0 {
		payload.Lookback = 2 * time.Minute
	}
	return s.Sweep(ctx, payload.Lookback)
}

// Sweep fires a user-level invalidation for every grant that lapsed inside
// the lookback window. Overlapping windows are fine: evicting an absent key
// is a no-op.
func (s *GrantSweeper) Sweep(ctx context.Context, lookback time.Duration) error {
	to := s.now().UTC()
	from := to.Add(-lookback)

	tenantIDs, err := s.tenants.ListActiveIDs(ctx)
	if err != nil {
		return fmt.Errorf("jobs: list tenants: %w", err)
	}
	for _, tenantID := range tenantIDs {
		err := tenant.Scoped(ctx, tenantID, func(ctx context.Context) error {
			expired, err := s.source.GrantsExpiredBetween(ctx, from, to)
			if err != nil {
				return err
			}
			for _, e := range expired {
				ev := invalidate.Event{Type: invalidate.EventUser, EntityID: e.UserID, TenantID: tenantID}
				if err := s.inv.OnGrantChanged(ctx, ev); err != nil {
					return err
				}
			}
			if len(expired) > 0 && s.logger != nil {
				s.logger.Info("grant sweep evicted users",
					slog.String("tenant_id", tenantID), slog.Int("count", len(expired)))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("jobs: sweep tenant %s: %w", tenantID, err)
		}
	}
	return nil
}
