package grants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tesfayekb/core-base/internal/platform/db"
	"github.com/tesfayekb/core-base/internal/tenant"
)

// ErrNotFound indicates the requested grant record does not exist in the
// active tenant.
var ErrNotFound = errors.New("grants: not found")

// DirectGrant is a non-expired user permission joined to its permission row.
type DirectGrant struct {
	Permission Permission
	ResourceID *string
}

// RoleGrant is a non-expired role assignment with the role name for
// provenance reporting.
type RoleGrant struct {
	RoleID   string
	RoleName string
}

// ExpiredGrant identifies a user whose role assignment or direct grant
// lapsed inside a sweep window.
type ExpiredGrant struct {
	UserID    string
	ExpiredAt time.Time
}

// Repository provides PostgreSQL backed, tenant-scoped persistence for
// grant rows. Every query reads the tenant from context and filters on it;
// no cross-tenant join exists, even transitively.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// DirectPermissions returns the non-expired direct grants for a user.
func (r *Repository) DirectPermissions(ctx context.Context, userID string) ([]DirectGrant, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.tenant_id, p.resource, p.action, up.resource_id
		FROM user_permissions up
		JOIN permissions p ON p.id = up.permission_id AND p.tenant_id = up.tenant_id
		WHERE up.tenant_id = $1 AND up.user_id = $2
		  AND (up.expires_at IS NULL OR up.expires_at > NOW())`,
		tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("grants: direct permissions: %w", err)
	}
	defer rows.Close()
	var out []DirectGrant
	for rows.Next() {
		var g DirectGrant
		if err := rows.Scan(&g.Permission.ID, &g.Permission.TenantID, &g.Permission.Resource, &g.Permission.Action, &g.ResourceID); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UserRoles returns the non-expired role assignments for a user.
func (r *Repository) UserRoles(ctx context.Context, userID string) ([]RoleGrant, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT ro.id, ro.name
		FROM user_roles ur
		JOIN roles ro ON ro.id = ur.role_id AND ro.tenant_id = ur.tenant_id
		WHERE ur.tenant_id = $1 AND ur.user_id = $2
		  AND (ur.expires_at IS NULL OR ur.expires_at > NOW())
		ORDER BY ro.name`,
		tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("grants: user roles: %w", err)
	}
	defer rows.Close()
	var out []RoleGrant
	for rows.Next() {
		var g RoleGrant
		if err := rows.Scan(&g.RoleID, &g.RoleName); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// RolePermissions returns the permissions attached to a role.
func (r *Repository) RolePermissions(ctx context.Context, roleID string) ([]Permission, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.tenant_id, p.resource, p.action
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id AND p.tenant_id = $1
		JOIN roles ro ON ro.id = rp.role_id AND ro.tenant_id = $1
		WHERE rp.role_id = $2`,
		tenantID, roleID)
	if err != nil {
		return nil, fmt.Errorf("grants: role permissions: %w", err)
	}
	defer rows.Close()
	var out []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Resource, &p.Action); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UserRoleAssignments returns every role assignment row for the user,
// including recently expired ones. Rows are expired in place, so the raw
// listing doubles as revocation history; callers filter with Expired.
func (r *Repository) UserRoleAssignments(ctx context.Context, userID string) ([]UserRole, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT tenant_id, user_id, role_id, expires_at, created_at
		FROM user_roles
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY created_at`,
		tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("grants: user role assignments: %w", err)
	}
	defer rows.Close()
	var out []UserRole
	for rows.Next() {
		var ur UserRole
		if err := rows.Scan(&ur.TenantID, &ur.UserID, &ur.RoleID, &ur.ExpiresAt, &ur.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ur)
	}
	return out, rows.Err()
}

// UserDirectGrants returns every direct grant row for the user, including
// recently expired ones.
func (r *Repository) UserDirectGrants(ctx context.Context, userID string) ([]UserPermission, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT tenant_id, user_id, permission_id, resource_id, expires_at, created_at
		FROM user_permissions
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY created_at`,
		tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("grants: user direct grants: %w", err)
	}
	defer rows.Close()
	var out []UserPermission
	for rows.Next() {
		var up UserPermission
		if err := rows.Scan(&up.TenantID, &up.UserID, &up.PermissionID, &up.ResourceID, &up.ExpiresAt, &up.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, up)
	}
	return out, rows.Err()
}

// ListMembers returns the active tenant's memberships.
func (r *Repository) ListMembers(ctx context.Context) ([]Membership, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT tenant_id, user_id, created_at
		FROM tenant_memberships
		WHERE tenant_id = $1
		ORDER BY created_at`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("grants: list members: %w", err)
	}
	defer rows.Close()
	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.TenantID, &m.UserID, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// HasMembership reports whether the user belongs to the active tenant.
func (r *Repository) HasMembership(ctx context.Context, userID string) (bool, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return false, err
	}
	var exists bool
	err = r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tenant_memberships WHERE tenant_id = $1 AND user_id = $2)`,
		tenantID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("grants: membership: %w", err)
	}
	return exists, nil
}

// UsersWithRole returns the ids of users currently holding the role. Used as
// the cascade snapshot for role-level invalidation; computed before any
// eviction happens.
func (r *Repository) UsersWithRole(ctx context.Context, roleID string) ([]string, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT user_id FROM user_roles
		WHERE tenant_id = $1 AND role_id = $2
		  AND (expires_at IS NULL OR expires_at > NOW())`,
		tenantID, roleID)
	if err != nil {
		return nil, fmt.Errorf("grants: users with role: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// UsersWithPermission returns every user whose effective set could include
// the permission: holders of any role carrying it plus direct grantees.
func (r *Repository) UsersWithPermission(ctx context.Context, permissionID string) ([]string, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ur.user_id
		FROM role_permissions rp
		JOIN user_roles ur ON ur.role_id = rp.role_id AND ur.tenant_id = $1
		WHERE rp.permission_id = $2
		  AND (ur.expires_at IS NULL OR ur.expires_at > NOW())
		UNION
		SELECT DISTINCT user_id FROM user_permissions
		WHERE tenant_id = $1 AND permission_id = $2
		  AND (expires_at IS NULL OR expires_at > NOW())`,
		tenantID, permissionID)
	if err != nil {
		return nil, fmt.Errorf("grants: users with permission: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// UsersWithResourceGrant returns users holding a grant scoped to one
// resource instance. A narrower cascade than the permission-level one.
func (r *Repository) UsersWithResourceGrant(ctx context.Context, resourceID string) ([]string, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT user_id FROM user_permissions
		WHERE tenant_id = $1 AND resource_id = $2
		  AND (expires_at IS NULL OR expires_at > NOW())`,
		tenantID, resourceID)
	if err != nil {
		return nil, fmt.Errorf("grants: users with resource grant: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// GrantsExpiredBetween returns users whose role assignment or direct grant
// lapsed inside the window. Feeds the background sweep; the rows themselves
// are kept for audit history.
func (r *Repository) GrantsExpiredBetween(ctx context.Context, from, to time.Time) ([]ExpiredGrant, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, expires_at FROM user_roles
		WHERE tenant_id = $1 AND expires_at > $2 AND expires_at <= $3
		UNION
		SELECT user_id, expires_at FROM user_permissions
		WHERE tenant_id = $1 AND expires_at > $2 AND expires_at <= $3`,
		tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("grants: expired between: %w", err)
	}
	defer rows.Close()
	var out []ExpiredGrant
	for rows.Next() {
		var g ExpiredGrant
		if err := rows.Scan(&g.UserID, &g.ExpiredAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetRole fetches a role by id in the active tenant.
func (r *Repository) GetRole(ctx context.Context, id string) (Role, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return Role{}, err
	}
	var role Role
	err = r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, description, is_system_role, created_at, updated_at
		FROM roles WHERE tenant_id = $1 AND id = $2`,
		tenantID, id).Scan(&role.ID, &role.TenantID, &role.Name, &role.Description, &role.System, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, fmt.Errorf("grants: get role: %w", err)
	}
	return role, nil
}

// ListRoles returns all roles in the active tenant ordered by name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, name, description, is_system_role, created_at, updated_at
		FROM roles WHERE tenant_id = $1 ORDER BY name`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("grants: list roles: %w", err)
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.TenantID, &role.Name, &role.Description, &role.System, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// CreateRole inserts a role into the active tenant.
func (r *Repository) CreateRole(ctx context.Context, id, name, description string) (Role, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return Role{}, err
	}
	var role Role
	err = r.pool.QueryRow(ctx, `
		INSERT INTO roles (id, tenant_id, name, description, is_system_role)
		VALUES ($1, $2, $3, $4, FALSE)
		RETURNING id, tenant_id, name, description, is_system_role, created_at, updated_at`,
		id, tenantID, name, description).Scan(&role.ID, &role.TenantID, &role.Name, &role.Description, &role.System, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, fmt.Errorf("grants: create role: %w", err)
	}
	return role, nil
}

// UpdateRole updates name and description of a role in the active tenant.
func (r *Repository) UpdateRole(ctx context.Context, id, name, description string) (Role, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return Role{}, err
	}
	var role Role
	err = r.pool.QueryRow(ctx, `
		UPDATE roles SET name = $3, description = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING id, tenant_id, name, description, is_system_role, created_at, updated_at`,
		tenantID, id, name, description).Scan(&role.ID, &role.TenantID, &role.Name, &role.Description, &role.System, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, fmt.Errorf("grants: update role: %w", err)
	}
	return role, nil
}

// DeleteRole removes a role and its joins in the active tenant.
func (r *Repository) DeleteRole(ctx context.Context, id string) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("grants: delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPermission fetches a permission by id in the active tenant.
func (r *Repository) GetPermission(ctx context.Context, id string) (Permission, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return Permission{}, err
	}
	var p Permission
	err = r.pool.QueryRow(ctx,
		`SELECT id, tenant_id, resource, action FROM permissions WHERE tenant_id = $1 AND id = $2`,
		tenantID, id).Scan(&p.ID, &p.TenantID, &p.Resource, &p.Action)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, ErrNotFound
		}
		return Permission{}, fmt.Errorf("grants: get permission: %w", err)
	}
	return p, nil
}

// ListPermissions returns all permissions in the active tenant.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, tenant_id, resource, action FROM permissions WHERE tenant_id = $1 ORDER BY resource, action`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("grants: list permissions: %w", err)
	}
	defer rows.Close()
	var out []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Resource, &p.Action); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// EnsurePermission upserts a permission for (resource, action).
func (r *Repository) EnsurePermission(ctx context.Context, id, resource string, action Action) (Permission, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return Permission{}, err
	}
	var p Permission
	err = r.pool.QueryRow(ctx, `
		INSERT INTO permissions (id, tenant_id, resource, action)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, resource, action) DO UPDATE SET resource = EXCLUDED.resource
		RETURNING id, tenant_id, resource, action`,
		id, tenantID, resource, action).Scan(&p.ID, &p.TenantID, &p.Resource, &p.Action)
	if err != nil {
		return Permission{}, fmt.Errorf("grants: ensure permission: %w", err)
	}
	return p, nil
}

// ListRolePermissionIDs returns permission ids attached to a role.
func (r *Repository) ListRolePermissionIDs(ctx context.Context, roleID string) ([]string, error) {
	perms, err := r.RolePermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(perms))
	for _, p := range perms {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// ReplaceRolePermissions swaps a role's permission set atomically.
func (r *Repository) ReplaceRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	if _, err := tenant.FromContext(ctx); err != nil {
		return err
	}
	// Delete-then-insert inside one transaction: a resolver reading through
	// never observes the half-rewritten join set.
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return fmt.Errorf("grants: clear role permissions: %w", err)
		}
		for _, permissionID := range permissionIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO role_permissions (role_id, permission_id)
				VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				roleID, permissionID); err != nil {
				return fmt.Errorf("grants: attach permission: %w", err)
			}
		}
		return nil
	})
}

// AssignRole creates a user-role assignment, optionally expiring.
func (r *Repository) AssignRole(ctx context.Context, userID, roleID string, expiresAt *time.Time) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO user_roles (tenant_id, user_id, role_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, user_id, role_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		tenantID, userID, roleID, expiresAt)
	if err != nil {
		return fmt.Errorf("grants: assign role: %w", err)
	}
	return nil
}

// RevokeRole expires a user-role assignment in place. The row stays for
// audit history.
func (r *Repository) RevokeRole(ctx context.Context, userID, roleID string) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE user_roles SET expires_at = NOW()
		WHERE tenant_id = $1 AND user_id = $2 AND role_id = $3
		  AND (expires_at IS NULL OR expires_at > NOW())`,
		tenantID, userID, roleID)
	if err != nil {
		return fmt.Errorf("grants: revoke role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GrantPermission creates a direct user permission.
func (r *Repository) GrantPermission(ctx context.Context, userID, permissionID string, resourceID *string, expiresAt *time.Time) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO user_permissions (tenant_id, user_id, permission_id, resource_id, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		tenantID, userID, permissionID, resourceID, expiresAt)
	if err != nil {
		return fmt.Errorf("grants: grant permission: %w", err)
	}
	return nil
}

// RevokePermission expires direct grants of a permission for a user.
func (r *Repository) RevokePermission(ctx context.Context, userID, permissionID string) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE user_permissions SET expires_at = NOW()
		WHERE tenant_id = $1 AND user_id = $2 AND permission_id = $3
		  AND (expires_at IS NULL OR expires_at > NOW())`,
		tenantID, userID, permissionID)
	if err != nil {
		return fmt.Errorf("grants: revoke permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanIDs(rows pgx.Rows) ([]string, error) {
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
