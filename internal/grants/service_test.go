package grants

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tesfayekb/core-base/internal/invalidate"
	"github.com/tesfayekb/core-base/internal/tenant"
)

type mockStore struct {
	roles       map[string]Role
	permissions map[string]Permission
	members     map[string]bool
	rolePerms   map[string][]string
	roleHolders map[string][]string
	userRoles   map[string][]UserRole
	userPerms   map[string][]UserPermission
	ops         *[]string

	assignErr error
}

func newMockStore(ops *[]string) *mockStore {
	return &mockStore{
		roles:       map[string]Role{},
		permissions: map[string]Permission{},
		members:     map[string]bool{},
		rolePerms:   map[string][]string{},
		roleHolders: map[string][]string{},
		userRoles:   map[string][]UserRole{},
		userPerms:   map[string][]UserPermission{},
		ops:         ops,
	}
}

func (m *mockStore) record(op string) {
	if m.ops != nil {
		*m.ops = append(*m.ops, op)
	}
}

func (m *mockStore) GetRole(ctx context.Context, id string) (Role, error) {
	role, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (m *mockStore) ListRoles(ctx context.Context) ([]Role, error) { return nil, nil }

func (m *mockStore) CreateRole(ctx context.Context, id, name, description string) (Role, error) {
	role := Role{ID: id, Name: name, Description: description}
	m.roles[id] = role
	m.record("create_role")
	return role, nil
}

func (m *mockStore) UpdateRole(ctx context.Context, id, name, description string) (Role, error) {
	role, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	role.Name = name
	m.roles[id] = role
	m.record("update_role")
	return role, nil
}

func (m *mockStore) DeleteRole(ctx context.Context, id string) error {
	delete(m.roles, id)
	delete(m.roleHolders, id)
	m.record("delete_role")
	return nil
}

func (m *mockStore) UsersWithRole(ctx context.Context, roleID string) ([]string, error) {
	m.record("users_with_role")
	return m.roleHolders[roleID], nil
}

func (m *mockStore) GetPermission(ctx context.Context, id string) (Permission, error) {
	p, ok := m.permissions[id]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return p, nil
}

func (m *mockStore) ListPermissions(ctx context.Context) ([]Permission, error) { return nil, nil }

func (m *mockStore) EnsurePermission(ctx context.Context, id, resource string, action Action) (Permission, error) {
	p := Permission{ID: id, Resource: resource, Action: action}
	m.permissions[id] = p
	m.record("ensure_permission")
	return p, nil
}

func (m *mockStore) ListRolePermissionIDs(ctx context.Context, roleID string) ([]string, error) {
	return m.rolePerms[roleID], nil
}

func (m *mockStore) ReplaceRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	m.rolePerms[roleID] = append([]string(nil), permissionIDs...)
	m.record("replace_role_permissions")
	return nil
}

func (m *mockStore) HasMembership(ctx context.Context, userID string) (bool, error) {
	return m.members[userID], nil
}

func (m *mockStore) ListMembers(ctx context.Context) ([]Membership, error) {
	var out []Membership
	for userID := range m.members {
		out = append(out, Membership{TenantID: "t1", UserID: userID})
	}
	return out, nil
}

func (m *mockStore) UserRoleAssignments(ctx context.Context, userID string) ([]UserRole, error) {
	return m.userRoles[userID], nil
}

func (m *mockStore) UserDirectGrants(ctx context.Context, userID string) ([]UserPermission, error) {
	return m.userPerms[userID], nil
}

func (m *mockStore) AssignRole(ctx context.Context, userID, roleID string, expiresAt *time.Time) error {
	if m.assignErr != nil {
		return m.assignErr
	}
	m.record("assign_role")
	return nil
}

func (m *mockStore) RevokeRole(ctx context.Context, userID, roleID string) error {
	m.record("revoke_role")
	return nil
}

func (m *mockStore) GrantPermission(ctx context.Context, userID, permissionID string, resourceID *string, expiresAt *time.Time) error {
	m.record("grant_permission")
	return nil
}

func (m *mockStore) RevokePermission(ctx context.Context, userID, permissionID string) error {
	m.record("revoke_permission")
	return nil
}

type recordingInvalidator struct {
	ops    *[]string
	events []invalidate.Event
	err    error
}

func (r *recordingInvalidator) OnGrantChanged(ctx context.Context, ev invalidate.Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	if r.ops != nil {
		*r.ops = append(*r.ops, "invalidate:"+string(ev.Type))
	}
	return nil
}

func testCtx() context.Context {
	return tenant.WithTenant(context.Background(), "t1")
}

func TestAssignRoleFiresUserInvalidation(t *testing.T) {
	var ops []string
	store := newMockStore(&ops)
	store.members["u1"] = true
	store.roles["r1"] = Role{ID: "r1", Name: "editor"}
	inv := &recordingInvalidator{ops: &ops}
	svc := NewService(store, inv, nil)

	if err := svc.AssignRole(testCtx(), "u1", "r1", nil); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if len(inv.events) != 1 {
		t.Fatalf("expected 1 invalidation event, got %d", len(inv.events))
	}
	ev := inv.events[0]
	if ev.Type != invalidate.EventUser || ev.EntityID != "u1" || ev.TenantID != "t1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	// Write first, then invalidation, before success is reported.
	if ops[0] != "assign_role" || ops[1] != "invalidate:user" {
		t.Fatalf("unexpected op order %v", ops)
	}
}

func TestAssignRoleRejectsUnknownRole(t *testing.T) {
	store := newMockStore(nil)
	store.members["u1"] = true
	svc := NewService(store, &recordingInvalidator{}, nil)

	err := svc.AssignRole(testCtx(), "u1", "missing", nil)
	if !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference, got %v", err)
	}
}

func TestAssignRoleRejectsNonMember(t *testing.T) {
	store := newMockStore(nil)
	store.roles["r1"] = Role{ID: "r1"}
	svc := NewService(store, &recordingInvalidator{}, nil)

	err := svc.AssignRole(testCtx(), "stranger", "r1", nil)
	if !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference for non-member, got %v", err)
	}
}

func TestGrantPermissionRejectsUnknownPermission(t *testing.T) {
	store := newMockStore(nil)
	store.members["u1"] = true
	svc := NewService(store, &recordingInvalidator{}, nil)

	err := svc.GrantPermission(testCtx(), "u1", "missing", nil, nil)
	if !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference, got %v", err)
	}
}

func TestSetRolePermissionsReplacesAndInvalidates(t *testing.T) {
	var ops []string
	store := newMockStore(&ops)
	store.roles["r1"] = Role{ID: "r1"}
	store.permissions["p1"] = Permission{ID: "p1"}
	store.permissions["p2"] = Permission{ID: "p2"}
	store.rolePerms["r1"] = []string{"p1"}
	inv := &recordingInvalidator{ops: &ops}
	svc := NewService(store, inv, nil)

	if err := svc.SetRolePermissions(testCtx(), "r1", []string{"p2"}); err != nil {
		t.Fatalf("set role permissions: %v", err)
	}
	if len(store.rolePerms["r1"]) != 1 || store.rolePerms["r1"][0] != "p2" {
		t.Fatalf("expected only p2 attached, got %v", store.rolePerms["r1"])
	}
	if len(inv.events) != 1 || inv.events[0].Type != invalidate.EventRole {
		t.Fatalf("expected one role event, got %+v", inv.events)
	}
}

func TestSetRolePermissionsRejectsUnknownPermission(t *testing.T) {
	store := newMockStore(nil)
	store.roles["r1"] = Role{ID: "r1"}
	svc := NewService(store, &recordingInvalidator{}, nil)

	err := svc.SetRolePermissions(testCtx(), "r1", []string{"ghost"})
	if !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference, got %v", err)
	}
}

func TestMutationFailsWhenInvalidationFails(t *testing.T) {
	store := newMockStore(nil)
	store.members["u1"] = true
	store.roles["r1"] = Role{ID: "r1"}
	inv := &recordingInvalidator{err: errors.New("cache down")}
	svc := NewService(store, inv, nil)

	if err := svc.AssignRole(testCtx(), "u1", "r1", nil); err == nil {
		t.Fatal("expected error when invalidation cannot complete")
	}
}

func TestMutationRequiresTenantContext(t *testing.T) {
	store := newMockStore(nil)
	store.members["u1"] = true
	store.roles["r1"] = Role{ID: "r1"}
	svc := NewService(store, &recordingInvalidator{}, nil)

	err := svc.AssignRole(context.Background(), "u1", "r1", nil)
	if !errors.Is(err, tenant.ErrMissingContext) {
		t.Fatalf("expected ErrMissingContext, got %v", err)
	}
}

func TestDeleteRoleEvictsHoldersAfterDelete(t *testing.T) {
	var ops []string
	store := newMockStore(&ops)
	store.roles["r1"] = Role{ID: "r1"}
	store.roleHolders["r1"] = []string{"u1", "u2"}
	inv := &recordingInvalidator{ops: &ops}
	svc := NewService(store, inv, nil)

	if err := svc.DeleteRole(testCtx(), "r1"); err != nil {
		t.Fatalf("delete role: %v", err)
	}
	// Snapshot the holders while the join rows exist, delete, then evict:
	// evicting first would let a racing resolve re-cache from the live rows
	// with no later event to clear it.
	want := []string{"users_with_role", "delete_role", "invalidate:user", "invalidate:user"}
	if len(ops) != len(want) {
		t.Fatalf("unexpected ops %v", ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("op %d: expected %q, got %v", i, want[i], ops)
		}
	}
	if len(inv.events) != 2 || inv.events[0].EntityID != "u1" || inv.events[1].EntityID != "u2" {
		t.Fatalf("expected user events for both holders, got %+v", inv.events)
	}
}

func TestDeleteRoleFailsWhenHolderEvictionFails(t *testing.T) {
	store := newMockStore(nil)
	store.roles["r1"] = Role{ID: "r1"}
	store.roleHolders["r1"] = []string{"u1"}
	inv := &recordingInvalidator{err: errors.New("cache down")}
	svc := NewService(store, inv, nil)

	if err := svc.DeleteRole(testCtx(), "r1"); err == nil {
		t.Fatal("expected error when holder eviction cannot complete")
	}
}

func TestDeleteSystemRoleRefused(t *testing.T) {
	store := newMockStore(nil)
	store.roles["r1"] = Role{ID: "r1", System: true}
	svc := NewService(store, &recordingInvalidator{}, nil)

	if err := svc.DeleteRole(testCtx(), "r1"); err == nil {
		t.Fatal("expected refusal to delete system role")
	}
}

func TestListUserGrantsHidesExpiredRows(t *testing.T) {
	store := newMockStore(nil)
	store.members["u1"] = true
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	store.userRoles["u1"] = []UserRole{
		{UserID: "u1", RoleID: "r1", ExpiresAt: &past},
		{UserID: "u1", RoleID: "r2", ExpiresAt: &future},
		{UserID: "u1", RoleID: "r3"},
	}
	store.userPerms["u1"] = []UserPermission{
		{UserID: "u1", PermissionID: "p1", ExpiresAt: &past},
		{UserID: "u1", PermissionID: "p2"},
	}
	svc := NewService(store, &recordingInvalidator{}, nil)

	got, err := svc.ListUserGrants(testCtx(), "u1")
	if err != nil {
		t.Fatalf("list user grants: %v", err)
	}
	if len(got.Roles) != 2 || got.Roles[0].RoleID != "r2" || got.Roles[1].RoleID != "r3" {
		t.Fatalf("expected lapsed role hidden, got %+v", got.Roles)
	}
	if len(got.Permissions) != 1 || got.Permissions[0].PermissionID != "p2" {
		t.Fatalf("expected lapsed grant hidden, got %+v", got.Permissions)
	}
}

func TestListUserGrantsRejectsNonMember(t *testing.T) {
	store := newMockStore(nil)
	svc := NewService(store, &recordingInvalidator{}, nil)

	if _, err := svc.ListUserGrants(testCtx(), "stranger"); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference, got %v", err)
	}
}

func TestEnsurePermissionValidatesInput(t *testing.T) {
	store := newMockStore(nil)
	svc := NewService(store, &recordingInvalidator{}, nil)

	if _, err := svc.EnsurePermission(testCtx(), "documents", "drop"); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
	if _, err := svc.EnsurePermission(testCtx(), "Bad Resource!", "read"); !errors.Is(err, ErrInvalidResource) {
		t.Fatalf("expected ErrInvalidResource, got %v", err)
	}
	if _, err := svc.EnsurePermission(testCtx(), "documents", "update"); err != nil {
		t.Fatalf("valid permission rejected: %v", err)
	}
}
