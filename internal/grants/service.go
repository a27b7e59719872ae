package grants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tesfayekb/core-base/internal/invalidate"
	"github.com/tesfayekb/core-base/internal/tenant"
)

// ErrInvalidReference indicates a grant referencing a role, permission or
// user that does not exist in the active tenant. Rejected at write time,
// never silently dropped.
var ErrInvalidReference = errors.New("grants: referenced record not found in tenant")

// Store is the persistence surface the service mutates through.
type Store interface {
	GetRole(ctx context.Context, id string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, id, name, description string) (Role, error)
	UpdateRole(ctx context.Context, id, name, description string) (Role, error)
	DeleteRole(ctx context.Context, id string) error

	GetPermission(ctx context.Context, id string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	EnsurePermission(ctx context.Context, id, resource string, action Action) (Permission, error)
	ListRolePermissionIDs(ctx context.Context, roleID string) ([]string, error)
	ReplaceRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error
	UsersWithRole(ctx context.Context, roleID string) ([]string, error)

	HasMembership(ctx context.Context, userID string) (bool, error)
	ListMembers(ctx context.Context) ([]Membership, error)
	UserRoleAssignments(ctx context.Context, userID string) ([]UserRole, error)
	UserDirectGrants(ctx context.Context, userID string) ([]UserPermission, error)
	AssignRole(ctx context.Context, userID, roleID string, expiresAt *time.Time) error
	RevokeRole(ctx context.Context, userID, roleID string) error
	GrantPermission(ctx context.Context, userID, permissionID string, resourceID *string, expiresAt *time.Time) error
	RevokePermission(ctx context.Context, userID, permissionID string) error
}

// Invalidator cascades cache evictions for grant changes.
type Invalidator interface {
	OnGrantChanged(ctx context.Context, ev invalidate.Event) error
}

// Service orchestrates grant mutations. Every write fires the matching
// invalidation event and waits for the cascade to finish before reporting
// success, so a revocation is never observable as still granted.
type Service struct {
	store  Store
	inv    Invalidator
	logger *slog.Logger
}

// NewService constructs a Service.
func NewService(store Store, inv Invalidator, logger *slog.Logger) *Service {
	return &Service{store: store, inv: inv, logger: logger}
}

// GetRole fetches one role.
func (s *Service) GetRole(ctx context.Context, id string) (Role, error) {
	return s.store.GetRole(ctx, id)
}

// ListRoles returns the tenant's roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// ListPermissions returns the tenant's permissions.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// ListRolePermissionIDs returns the ids of permissions attached to a role.
func (s *Service) ListRolePermissionIDs(ctx context.Context, roleID string) ([]string, error) {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	return s.store.ListRolePermissionIDs(ctx, roleID)
}

// UserGrants is the administrative view of a user's standing grants.
type UserGrants struct {
	Roles       []UserRole
	Permissions []UserPermission
}

// ListUserGrants returns the user's live role assignments and direct grants.
// The store keeps expired rows as revocation history; this view drops them.
func (s *Service) ListUserGrants(ctx context.Context, userID string) (UserGrants, error) {
	if err := s.requireMember(ctx, userID); err != nil {
		return UserGrants{}, err
	}
	roles, err := s.store.UserRoleAssignments(ctx, userID)
	if err != nil {
		return UserGrants{}, err
	}
	perms, err := s.store.UserDirectGrants(ctx, userID)
	if err != nil {
		return UserGrants{}, err
	}
	now := time.Now()
	out := UserGrants{}
	for _, ur := range roles {
		if !ur.Expired(now) {
			out.Roles = append(out.Roles, ur)
		}
	}
	for _, up := range perms {
		if !up.Expired(now) {
			out.Permissions = append(out.Permissions, up)
		}
	}
	return out, nil
}

// ListMembers returns the tenant's memberships.
func (s *Service) ListMembers(ctx context.Context) ([]Membership, error) {
	return s.store.ListMembers(ctx)
}

// CreateRole inserts a new role.
func (s *Service) CreateRole(ctx context.Context, name, description string) (Role, error) {
	if name == "" {
		return Role{}, errors.New("grants: role name required")
	}
	role, err := s.store.CreateRole(ctx, uuid.NewString(), name, description)
	if err != nil {
		return Role{}, err
	}
	if err := s.invalidateRole(ctx, role.ID); err != nil {
		return Role{}, err
	}
	return role, nil
}

// UpdateRole updates an existing role.
func (s *Service) UpdateRole(ctx context.Context, id, name, description string) (Role, error) {
	if name == "" {
		return Role{}, errors.New("grants: role name required")
	}
	role, err := s.store.UpdateRole(ctx, id, name, description)
	if err != nil {
		return Role{}, err
	}
	if err := s.invalidateRole(ctx, role.ID); err != nil {
		return Role{}, err
	}
	return role, nil
}

// DeleteRole removes a role. The holder snapshot is taken before the delete
// (afterwards the join rows are gone) and the evictions run after it, so a
// resolve racing the delete cannot re-cache the role's permissions from
// still-live rows.
func (s *Service) DeleteRole(ctx context.Context, id string) error {
	role, err := s.store.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if role.System {
		return errors.New("grants: system roles cannot be deleted")
	}
	holders, err := s.store.UsersWithRole(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRole(ctx, id); err != nil {
		return err
	}
	for _, userID := range holders {
		if err := s.fire(ctx, invalidate.EventUser, userID); err != nil {
			return err
		}
	}
	return nil
}

// EnsurePermission upserts a permission for (resource, action), validating
// both at the boundary.
func (s *Service) EnsurePermission(ctx context.Context, rawResource, rawAction string) (Permission, error) {
	resource, err := ParseResource(rawResource)
	if err != nil {
		return Permission{}, err
	}
	action, err := ParseAction(rawAction)
	if err != nil {
		return Permission{}, err
	}
	perm, err := s.store.EnsurePermission(ctx, uuid.NewString(), resource, action)
	if err != nil {
		return Permission{}, err
	}
	if err := s.fire(ctx, invalidate.EventPermission, perm.ID); err != nil {
		return Permission{}, err
	}
	return perm, nil
}

// SetRolePermissions replaces the permission set of a role. Every referenced
// permission must exist in the active tenant.
func (s *Service) SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return s.mapReference(err)
	}
	for _, id := range permissionIDs {
		if _, err := s.store.GetPermission(ctx, id); err != nil {
			return s.mapReference(err)
		}
	}

	if err := s.store.ReplaceRolePermissions(ctx, roleID, permissionIDs); err != nil {
		return err
	}
	return s.invalidateRole(ctx, roleID)
}

// AssignRole assigns a role to a user, optionally until expiresAt.
func (s *Service) AssignRole(ctx context.Context, userID, roleID string, expiresAt *time.Time) error {
	if err := s.requireMember(ctx, userID); err != nil {
		return err
	}
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return s.mapReference(err)
	}
	if err := s.store.AssignRole(ctx, userID, roleID, expiresAt); err != nil {
		return err
	}
	return s.fire(ctx, invalidate.EventUser, userID)
}

// RevokeRole expires a user's role assignment.
func (s *Service) RevokeRole(ctx context.Context, userID, roleID string) error {
	if err := s.store.RevokeRole(ctx, userID, roleID); err != nil {
		return err
	}
	return s.fire(ctx, invalidate.EventUser, userID)
}

// GrantPermission creates a direct grant, optionally scoped to one resource
// instance and optionally expiring.
func (s *Service) GrantPermission(ctx context.Context, userID, permissionID string, resourceID *string, expiresAt *time.Time) error {
	if err := s.requireMember(ctx, userID); err != nil {
		return err
	}
	if _, err := s.store.GetPermission(ctx, permissionID); err != nil {
		return s.mapReference(err)
	}
	if err := s.store.GrantPermission(ctx, userID, permissionID, resourceID, expiresAt); err != nil {
		return err
	}
	return s.fire(ctx, invalidate.EventUser, userID)
}

// RevokePermission expires a user's direct grant of a permission.
func (s *Service) RevokePermission(ctx context.Context, userID, permissionID string) error {
	if err := s.store.RevokePermission(ctx, userID, permissionID); err != nil {
		return err
	}
	return s.fire(ctx, invalidate.EventUser, userID)
}

func (s *Service) requireMember(ctx context.Context, userID string) error {
	member, err := s.store.HasMembership(ctx, userID)
	if err != nil {
		return err
	}
	if !member {
		return fmt.Errorf("%w: user %s", ErrInvalidReference, userID)
	}
	return nil
}

func (s *Service) mapReference(err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	return err
}

func (s *Service) invalidateRole(ctx context.Context, roleID string) error {
	return s.fire(ctx, invalidate.EventRole, roleID)
}

func (s *Service) fire(ctx context.Context, evType invalidate.EventType, entityID string) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	if err := s.inv.OnGrantChanged(ctx, invalidate.Event{Type: evType, EntityID: entityID, TenantID: tenantID}); err != nil {
		if s.logger != nil {
			s.logger.Error("invalidation after grant write", slog.Any("error", err),
				slog.String("type", string(evType)), slog.String("entity_id", entityID))
		}
		return fmt.Errorf("grants: invalidation incomplete: %w", err)
	}
	return nil
}
