package grants

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Action enumerates the capabilities a permission can carry. Invalid actions
// are rejected at the boundary rather than stored as free-form strings.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionManage Action = "manage"
	ActionView   Action = "view"
	ActionEdit   Action = "edit"
)

var actions = map[Action]struct{}{
	ActionCreate: {},
	ActionRead:   {},
	ActionUpdate: {},
	ActionDelete: {},
	ActionManage: {},
	ActionView:   {},
	ActionEdit:   {},
}

// ErrInvalidAction indicates an action outside the known enumeration.
var ErrInvalidAction = errors.New("grants: invalid action")

// ParseAction validates and normalises an action string.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := actions[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, raw)
	}
	return a, nil
}

var resourcePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ErrInvalidResource indicates a malformed resource type identifier.
var ErrInvalidResource = errors.New("grants: invalid resource type")

// ParseResource validates a resource type identifier.
func ParseResource(raw string) (string, error) {
	r := strings.ToLower(strings.TrimSpace(raw))
	if !resourcePattern.MatchString(r) {
		return "", fmt.Errorf("%w: %q", ErrInvalidResource, raw)
	}
	return r, nil
}

// Role is a flat permission grouping. No hierarchy: a role never inherits
// from another role.
type Role struct {
	ID          string
	TenantID    string
	Name        string
	Description string
	System      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission identifies one capability on one resource type.
type Permission struct {
	ID       string
	TenantID string
	Resource string
	Action   Action
}

// Name returns the canonical "resource.action" form used in audit output.
func (p Permission) Name() string {
	return p.Resource + "." + string(p.Action)
}

// UserRole assigns a role to a user, optionally until ExpiresAt.
type UserRole struct {
	TenantID  string
	UserID    string
	RoleID    string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Expired reports whether the assignment has lapsed at now.
func (ur UserRole) Expired(now time.Time) bool {
	return ur.ExpiresAt != nil && ur.ExpiresAt.Before(now)
}

// UserPermission is a direct grant bypassing roles. A non-nil ResourceID
// scopes the grant to a single resource instance; nil grants on the whole
// resource type.
type UserPermission struct {
	TenantID     string
	UserID       string
	PermissionID string
	ResourceID   *string
	ExpiresAt    *time.Time
	CreatedAt    time.Time
}

// Expired reports whether the grant has lapsed at now.
func (up UserPermission) Expired(now time.Time) bool {
	return up.ExpiresAt != nil && up.ExpiresAt.Before(now)
}

// Membership records that a user belongs to a tenant. A user with no
// membership has zero effective permissions there.
type Membership struct {
	TenantID  string
	UserID    string
	CreatedAt time.Time
}
