package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tesfayekb/core-base/internal/invalidate"
)

// ErrTenantNotFound indicates the tenant does not exist.
var ErrTenantNotFound = errors.New("tenant: not found")

// ErrTenantNotActive indicates a lifecycle transition on a tenant that is
// already suspended or deleted.
var ErrTenantNotActive = errors.New("tenant: not active")

// Invalidator cascades cache evictions; Suspend drives a tenant-wide one.
type Invalidator interface {
	OnGrantChanged(ctx context.Context, ev invalidate.Event) error
}

// Store provides persistence for tenants. The tenants table is global: it
// is the boundary itself, not data inside it.
type Store struct {
	pool *pgxpool.Pool
	inv  Invalidator
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool, inv Invalidator) *Store {
	return &Store{pool: pool, inv: inv}
}

// Get fetches a tenant by id.
func (s *Store) Get(ctx context.Context, id string) (Tenant, error) {
	var t Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, status, created_at, updated_at FROM tenants WHERE id = $1`,
		id).Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, ErrTenantNotFound
		}
		return Tenant{}, fmt.Errorf("tenant: get: %w", err)
	}
	return t, nil
}

// List returns all tenants ordered by name.
func (s *Store) List(ctx context.Context) ([]Tenant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, status, created_at, updated_at FROM tenants ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("tenant: list: %w", err)
	}
	defer rows.Close()
	var out []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListActiveIDs returns the ids of active tenants. Feeds the background
// sweep, which iterates tenants one scoped unit of work at a time.
func (s *Store) ListActiveIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM tenants WHERE status = $1`, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("tenant: list active: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Suspend marks a tenant suspended and evicts every cached resolution for
// it before returning, so nothing stale remains resolvable.
func (s *Store) Suspend(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusSuspended, "suspend")
}

// Delete soft-deletes a tenant. Rows stay for audit history; the status
// keeps the tenant out of resolution and the sweep.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusDeleted, "delete")
}

func (s *Store) transition(ctx context.Context, id string, to Status, op string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !t.Active() {
		return fmt.Errorf("%w: %s is %s", ErrTenantNotActive, id, t.Status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3`,
		id, to, StatusActive)
	if err != nil {
		return fmt.Errorf("tenant: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		// Lost a race with a concurrent transition.
		return fmt.Errorf("%w: %s", ErrTenantNotActive, id)
	}
	if s.inv != nil {
		if err := s.inv.OnGrantChanged(ctx, invalidate.Event{Type: invalidate.EventTenant, TenantID: id}); err != nil {
			return fmt.Errorf("tenant: %s invalidation incomplete: %w", op, err)
		}
	}
	return nil
}
