package rbac

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/odyssey-erp/trustcore/internal/shared"
)

// coreDependencies are the edges between the admin API permissions.
var coreDependencies = []Dependency{
	{Permission: shared.PermRolesEdit, Dependency: shared.PermRolesView},
	{Permission: shared.PermPermissionsManage, Dependency: shared.PermPermissionsView},
	{Permission: shared.PermAuditVerify, Dependency: shared.PermAuditView},
	{Permission: shared.PermAuditManage, Dependency: shared.PermAuditVerify},
}

// Bootstrap makes sure the admin permissions, their dependencies and the
// protected super-admin role exist. It is idempotent and runs after LoadGraph.
func (s *Service) Bootstrap(ctx context.Context) error {
	for _, name := range shared.CoreScopes() {
		if _, err := s.EnsurePermission(ctx, name, displayName(name)); err != nil {
			return fmt.Errorf("rbac: bootstrap %s: %w", name, err)
		}
	}
	for _, edge := range coreDependencies {
		if slices.Contains(s.DependenciesOf(edge.Permission), edge.Dependency) {
			continue
		}
		if err := s.AddDependency(ctx, edge.Permission, edge.Dependency); err != nil && !errors.Is(err, shared.ErrDuplicate) {
			return fmt.Errorf("rbac: bootstrap %s -> %s: %w", edge.Permission, edge.Dependency, err)
		}
	}

	superAdminRole := s.superAdmin
	roles, err := s.store.ListRoles(ctx)
	if err != nil {
		return fmt.Errorf("rbac: bootstrap roles: %w", err)
	}
	for _, r := range roles {
		if r.Name != superAdminRole {
			continue
		}
		if r.IsSystemProtected {
			return nil
		}
		r.IsSystemProtected = true
		if _, err := s.store.UpdateRole(ctx, r); err != nil {
			return fmt.Errorf("rbac: bootstrap protect role %s: %w", superAdminRole, err)
		}
		return nil
	}
	if _, err := s.CreateRole(ctx, RoleInput{Name: superAdminRole, Description: "Full access"}); err != nil && !errors.Is(err, shared.ErrDuplicate) {
		return fmt.Errorf("rbac: bootstrap role %s: %w", superAdminRole, err)
	}
	return nil
}
