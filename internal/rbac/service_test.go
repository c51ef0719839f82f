package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/trustcore/internal/shared"
)

type fixture struct {
	store      *MemoryStore
	service    *Service
	authorizer *Authorizer
	cache      *MemoryCache
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := NewMemoryStore()
	graph := NewGraph()
	cache := NewMemoryCache(0)
	svc := NewService(ServiceConfig{Store: store, Graph: graph, Cache: cache})
	auth := NewAuthorizer(AuthorizerConfig{Store: store, Graph: graph, Cache: cache})
	return fixture{store: store, service: svc, authorizer: auth, cache: cache}
}

func (f fixture) permission(t *testing.T, name string) Permission {
	t.Helper()
	p, err := f.service.CreatePermission(context.Background(), PermissionInput{Name: name})
	require.NoError(t, err)
	return p
}

func (f fixture) role(t *testing.T, name string, perms ...Permission) Role {
	t.Helper()
	role, err := f.service.CreateRole(context.Background(), RoleInput{Name: name})
	require.NoError(t, err)
	ids := make([]int64, len(perms))
	for i, p := range perms {
		ids[i] = p.ID
	}
	if !role.IsSystemProtected {
		require.NoError(t, f.service.SetRolePermissions(context.Background(), role.ID, ids))
	}
	return role
}

func (f fixture) user(t *testing.T, id int64, roles ...Role) {
	t.Helper()
	f.store.PutUser(User{ID: id, Name: "user", Active: true})
	for _, r := range roles {
		require.NoError(t, f.service.AssignRole(context.Background(), id, r.ID))
	}
}

func TestCreatePermissionValidatesName(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.CreatePermission(context.Background(), PermissionInput{Name: "nodots"})
	require.ErrorIs(t, err, shared.ErrValidation)

	p, err := f.service.CreatePermission(context.Background(), PermissionInput{Name: " User.Create "})
	require.NoError(t, err)
	require.Equal(t, "user.create", p.Name)
	require.Equal(t, "user", p.Module)
	require.Equal(t, "create", p.Type)
	require.Equal(t, "User Create", p.DisplayName)
}

func TestAddDependencyCycleLeavesStoreUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.permission(t, "a.x")
	f.permission(t, "b.x")

	require.NoError(t, f.service.AddDependency(ctx, "a.x", "b.x"))
	err := f.service.AddDependency(ctx, "b.x", "a.x")
	require.ErrorIs(t, err, ErrCircularDependency)

	edges, err := f.store.ListDependencies(ctx)
	require.NoError(t, err)
	require.Equal(t, []Dependency{{Permission: "a.x", Dependency: "b.x"}}, edges)
	require.Equal(t, []string{"b.x"}, f.service.DependenciesOf("a.x"))
	require.Empty(t, f.service.DependenciesOf("b.x"))
}

func TestAddDependencyUnknownPermission(t *testing.T) {
	f := newFixture(t)
	f.permission(t, "a.x")
	err := f.service.AddDependency(context.Background(), "a.x", "missing.x")
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Empty(t, f.service.DependenciesOf("a.x"))
}

func TestCanDeleteAndDeletePermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.permission(t, "user.view")
	edit := f.permission(t, "user.edit")
	orphan := f.permission(t, "user.export")
	require.NoError(t, f.service.AddDependency(ctx, edit.Name, view.Name))
	f.role(t, "editor", edit)

	ok, err := f.service.CanDelete(ctx, view.Name)
	require.NoError(t, err)
	require.False(t, ok, "dependency target must not be deletable")

	ok, err = f.service.CanDelete(ctx, edit.Name)
	require.NoError(t, err)
	require.False(t, ok, "permission held by a role must not be deletable")

	ok, err = f.service.CanDelete(ctx, orphan.Name)
	require.NoError(t, err)
	require.True(t, ok)

	err = f.service.DeletePermission(ctx, view.Name)
	var protected *shared.ProtectedResourceError
	require.True(t, errors.As(err, &protected))
	require.Equal(t, "permission", protected.Kind)

	require.NoError(t, f.service.DeletePermission(ctx, orphan.Name))
	_, err = f.store.GetPermissionByName(ctx, orphan.Name)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestProtectedRoleIsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.permission(t, "user.view")
	admin := f.role(t, DefaultSuperAdminRole)
	require.True(t, admin.IsSystemProtected)

	_, err := f.service.UpdateRole(ctx, admin.ID, RoleInput{Name: "renamed"})
	require.ErrorIs(t, err, shared.ErrProtected)

	require.ErrorIs(t, f.service.DeleteRole(ctx, admin.ID), shared.ErrProtected)
	require.ErrorIs(t, f.service.SetRolePermissions(ctx, admin.ID, []int64{p.ID}), shared.ErrProtected)
	require.ErrorIs(t, f.service.GrantPermission(ctx, admin.ID, p.Name), shared.ErrProtected)

	stored, err := f.store.GetRole(ctx, admin.ID)
	require.NoError(t, err)
	require.Equal(t, DefaultSuperAdminRole, stored.Name)
	perms, err := f.store.ListRolePermissions(ctx, admin.ID)
	require.NoError(t, err)
	require.Empty(t, perms)
}

func TestUpdateRoleCannotTakeReservedName(t *testing.T) {
	f := newFixture(t)
	editor := f.role(t, "editor")
	_, err := f.service.UpdateRole(context.Background(), editor.ID, RoleInput{Name: DefaultSuperAdminRole})
	require.ErrorIs(t, err, shared.ErrProtected)
}

func TestUsageStats(t *testing.T) {
	f := newFixture(t)
	view := f.permission(t, "user.view")
	f.permission(t, "user.delete")
	report := f.permission(t, "report.view")
	f.role(t, "viewer", view, report)

	stats, err := f.service.UsageStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 2, stats.Used)
	require.Equal(t, 1, stats.Unused)
	require.Equal(t, ModuleUsage{Total: 2, Used: 1, Unused: 1}, stats.ByModule["user"])
	require.Equal(t, ModuleUsage{Total: 1, Used: 1}, stats.ByModule["report"])
}

func TestExpandTemplateDeclaresViewDependency(t *testing.T) {
	f := newFixture(t)
	perms, err := f.service.ExpandTemplate(context.Background(), "invoice", []string{"view", "create", "delete"})
	require.NoError(t, err)
	require.Len(t, perms, 3)
	require.Equal(t, []string{"invoice.view"}, f.service.DependenciesOf("invoice.create"))
	require.Equal(t, []string{"invoice.create", "invoice.delete"}, f.service.DependentsOf("invoice.view"))

	again, err := f.service.ExpandTemplate(context.Background(), "invoice", []string{"view", "create"})
	require.NoError(t, err)
	require.Equal(t, perms[0].ID, again[0].ID)
}

func TestLoadGraphFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.permission(t, "user.view")
	f.permission(t, "user.edit")
	require.NoError(t, f.service.AddDependency(ctx, "user.edit", "user.view"))

	fresh := NewService(ServiceConfig{Store: f.store})
	require.Empty(t, fresh.DependenciesOf("user.edit"))
	require.NoError(t, fresh.LoadGraph(ctx))
	require.Equal(t, []string{"user.view"}, fresh.DependenciesOf("user.edit"))
}

func TestBootstrapIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.service.Bootstrap(ctx))
	require.NoError(t, f.service.Bootstrap(ctx))

	perms, err := f.service.ListPermissions(ctx)
	require.NoError(t, err)
	require.Len(t, perms, len(shared.CoreScopes()))
	require.Equal(t, []string{shared.PermAuditVerify}, f.service.DependenciesOf(shared.PermAuditManage))

	roles, err := f.service.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	require.True(t, roles[0].IsSystemProtected)

	viewer := f.role(t, "auditor", mustPermission(t, f, shared.PermAuditManage))
	f.user(t, 5, viewer)
	require.True(t, f.authorizer.HasPermission(ctx, 5, shared.PermAuditView))
	require.False(t, f.authorizer.HasPermission(ctx, 5, shared.PermSecurityView))
}

func mustPermission(t *testing.T, f fixture, name string) Permission {
	t.Helper()
	p, err := f.store.GetPermissionByName(context.Background(), name)
	require.NoError(t, err)
	return p
}

func TestNodesSharingStoreCannotPersistCycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	nodeA := NewService(ServiceConfig{Store: store, Graph: NewGraph()})
	nodeB := NewService(ServiceConfig{Store: store, Graph: NewGraph()})
	_, err := nodeA.CreatePermission(ctx, PermissionInput{Name: "a.view"})
	require.NoError(t, err)
	_, err = nodeA.CreatePermission(ctx, PermissionInput{Name: "b.view"})
	require.NoError(t, err)

	require.NoError(t, nodeA.AddDependency(ctx, "a.view", "b.view"))
	err = nodeB.AddDependency(ctx, "b.view", "a.view")
	var cycle *CircularDependencyError
	require.ErrorAs(t, err, &cycle)
	require.Equal(t, []string{"a.view", "b.view"}, cycle.Path)

	edges, err := store.ListDependencies(ctx)
	require.NoError(t, err)
	require.Equal(t, []Dependency{{Permission: "a.view", Dependency: "b.view"}}, edges)
	require.Equal(t, []string{"b.view"}, nodeB.DependenciesOf("a.view"), "rejected node refreshes its graph")
}

func TestMemoryStoreRejectsStoredCycles(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ids := make(map[string]int64)
	for _, name := range []string{"a.x", "b.x", "c.x"} {
		p, err := store.CreatePermission(ctx, Permission{Name: name})
		require.NoError(t, err)
		ids[name] = p.ID
	}
	require.NoError(t, store.AddDependency(ctx, ids["a.x"], ids["b.x"]))
	require.NoError(t, store.AddDependency(ctx, ids["b.x"], ids["c.x"]))

	require.ErrorIs(t, store.AddDependency(ctx, ids["c.x"], ids["a.x"]), ErrCircularDependency)
	require.ErrorIs(t, store.AddDependency(ctx, ids["a.x"], ids["a.x"]), ErrCircularDependency)
	require.NoError(t, store.AddDependency(ctx, ids["a.x"], ids["c.x"]))
}

func TestConfiguredSuperAdminRoleIsProtected(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	svc := NewService(ServiceConfig{Store: store, ProtectedRoles: []string{DefaultSuperAdminRole}, SuperAdminRole: "root"})
	require.NoError(t, svc.Bootstrap(ctx))

	roles, err := svc.ListRoles(ctx)
	require.NoError(t, err)
	var root Role
	for _, r := range roles {
		if r.Name == "root" {
			root = r
		}
	}
	require.True(t, root.IsSystemProtected)
	require.ErrorIs(t, svc.DeleteRole(ctx, root.ID), shared.ErrProtected)

	editor, err := svc.CreateRole(ctx, RoleInput{Name: "editor"})
	require.NoError(t, err)
	_, err = svc.UpdateRole(ctx, editor.ID, RoleInput{Name: "root"})
	require.ErrorIs(t, err, shared.ErrProtected)
}

func TestBootstrapProtectsExistingSuperAdminRole(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	existing, err := store.CreateRole(ctx, Role{Name: "root"})
	require.NoError(t, err)
	require.False(t, existing.IsSystemProtected)

	svc := NewService(ServiceConfig{Store: store, SuperAdminRole: "root"})
	require.NoError(t, svc.Bootstrap(ctx))
	stored, err := store.GetRole(ctx, existing.ID)
	require.NoError(t, err)
	require.True(t, stored.IsSystemProtected)
}
