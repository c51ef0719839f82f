package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/trustcore/internal/shared"
)

var permissionNamePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)+$`)

// PermissionInput describes a permission to create.
type PermissionInput struct {
	Name        string `validate:"required,max=150,permname"`
	DisplayName string `validate:"max=150"`
	Description string `validate:"max=500"`
}

// RoleInput describes a role to create or update.
type RoleInput struct {
	Name        string `validate:"required,max=100"`
	DisplayName string `validate:"max=150"`
	Description string `validate:"max=500"`
}

// Service orchestrates RBAC operations. It is the only writer of the
// in-process dependency graph; writeMu serializes mutations within the
// process and the store re-checks every new edge against the persisted set,
// so writers on other nodes cannot jointly persist a cycle.
type Service struct {
	store      Store
	graph      *Graph
	cache      PermissionCache
	logger     *slog.Logger
	validate   *validator.Validate
	protected  map[string]struct{}
	superAdmin string
	writeMu    sync.Mutex
}

// ServiceConfig collects dependencies for NewService.
type ServiceConfig struct {
	Store          Store
	Graph          *Graph
	Cache          PermissionCache
	Logger         *slog.Logger
	ProtectedRoles []string
	// SuperAdminRole is always protected, whether or not ProtectedRoles
	// names it. Empty means DefaultSuperAdminRole.
	SuperAdminRole string
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	graph := cfg.Graph
	if graph == nil {
		graph = NewGraph()
	}
	protected := make(map[string]struct{})
	for _, name := range cfg.ProtectedRoles {
		if name = normalizeName(name); name != "" {
			protected[name] = struct{}{}
		}
	}
	superAdmin := normalizeName(cfg.SuperAdminRole)
	if superAdmin == "" {
		superAdmin = DefaultSuperAdminRole
	}
	protected[superAdmin] = struct{}{}
	validate := validator.New()
	_ = validate.RegisterValidation("permname", func(fl validator.FieldLevel) bool {
		return permissionNamePattern.MatchString(fl.Field().String())
	})
	return &Service{
		store:      cfg.Store,
		graph:      graph,
		cache:      cfg.Cache,
		logger:     logger,
		validate:   validate,
		protected:  protected,
		superAdmin: superAdmin,
	}
}

// Graph exposes the dependency graph for read-only queries.
func (s *Service) Graph() *Graph {
	return s.graph
}

// LoadGraph rebuilds the in-memory graph from the store. Persisted edges that
// would close a cycle are skipped and logged.
func (s *Service) LoadGraph(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.loadGraphLocked(ctx)
}

func (s *Service) loadGraphLocked(ctx context.Context) error {
	edges, err := s.store.ListDependencies(ctx)
	if err != nil {
		return fmt.Errorf("rbac: load dependencies: %w", err)
	}
	rejected, _ := s.graph.Load(edges)
	for _, e := range rejected {
		s.logger.Error("rbac skipped cyclic dependency", slog.String("permission", e.Permission), slog.String("dependency", e.Dependency))
	}
	s.logger.Info("rbac graph loaded", slog.Int("edges", len(edges)-len(rejected)))
	return nil
}

// ListPermissions returns all permissions ordered by name.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// CreatePermission validates and inserts a permission.
func (s *Service) CreatePermission(ctx context.Context, input PermissionInput) (Permission, error) {
	input.Name = normalizeName(input.Name)
	input.DisplayName = strings.TrimSpace(input.DisplayName)
	input.Description = strings.TrimSpace(input.Description)
	if err := s.validate.Struct(input); err != nil {
		return Permission{}, fmt.Errorf("rbac: permission %q: %w: %v", input.Name, shared.ErrValidation, err)
	}
	module, typ := SplitPermissionName(input.Name)
	if input.DisplayName == "" {
		input.DisplayName = displayName(input.Name)
	}
	return s.store.CreatePermission(ctx, Permission{
		Name:        input.Name,
		DisplayName: input.DisplayName,
		Module:      module,
		Type:        typ,
		Description: input.Description,
	})
}

// EnsurePermission returns the named permission, creating it when missing.
func (s *Service) EnsurePermission(ctx context.Context, name, description string) (Permission, error) {
	p, err := s.store.GetPermissionByName(ctx, normalizeName(name))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return Permission{}, err
	}
	return s.CreatePermission(ctx, PermissionInput{Name: name, Description: description})
}

// ExpandTemplate creates module.type permissions for every type and declares
// module.view as a dependency of the other types when view is present.
func (s *Service) ExpandTemplate(ctx context.Context, module string, types []string) ([]Permission, error) {
	module = normalizeName(module)
	if module == "" {
		return nil, fmt.Errorf("rbac: module required: %w", shared.ErrValidation)
	}
	created := make([]Permission, 0, len(types))
	hasView := false
	for _, typ := range types {
		typ = normalizeName(typ)
		if typ == "" {
			continue
		}
		if typ == "view" {
			hasView = true
		}
		p, err := s.EnsurePermission(ctx, module+"."+typ, fmt.Sprintf("%s %s", cases.Title(language.English).String(typ), module))
		if err != nil {
			return nil, err
		}
		created = append(created, p)
	}
	if hasView {
		view := module + ".view"
		for _, p := range created {
			if p.Name == view {
				continue
			}
			if err := s.AddDependency(ctx, p.Name, view); err != nil && !errors.Is(err, ErrCircularDependency) {
				return nil, err
			}
		}
	}
	return created, nil
}

// AddDependency declares that permission depends on dependency. The edge is
// rejected with a *CircularDependencyError when it would close a cycle; the
// graph and the store are left unchanged in that case.
func (s *Service) AddDependency(ctx context.Context, permission, dependency string) error {
	permission, dependency = normalizeName(permission), normalizeName(dependency)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.graph.CheckDependency(permission, dependency); err != nil {
		return err
	}
	from, err := s.store.GetPermissionByName(ctx, permission)
	if err != nil {
		return err
	}
	to, err := s.store.GetPermissionByName(ctx, dependency)
	if err != nil {
		return err
	}
	if err := s.store.AddDependency(ctx, from.ID, to.ID); err != nil {
		if errors.Is(err, ErrCircularDependency) {
			// Another node wrote edges this graph has not seen yet.
			if loadErr := s.loadGraphLocked(ctx); loadErr != nil {
				s.logger.Error("rbac reload graph", slog.Any("error", loadErr))
			}
			return err
		}
		return fmt.Errorf("rbac: persist dependency: %w", err)
	}
	if err := s.graph.AddDependency(permission, dependency); err != nil {
		// Unreachable while writeMu is held; undo the persisted edge.
		_ = s.store.RemoveDependency(ctx, from.ID, to.ID)
		return err
	}
	s.logger.Info("rbac dependency added", slog.String("permission", permission), slog.String("dependency", dependency))
	return s.invalidate(ctx)
}

// RemoveDependency drops the edge permission -> dependency.
func (s *Service) RemoveDependency(ctx context.Context, permission, dependency string) error {
	permission, dependency = normalizeName(permission), normalizeName(dependency)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	from, err := s.store.GetPermissionByName(ctx, permission)
	if err != nil {
		return err
	}
	to, err := s.store.GetPermissionByName(ctx, dependency)
	if err != nil {
		return err
	}
	if err := s.store.RemoveDependency(ctx, from.ID, to.ID); err != nil {
		return fmt.Errorf("rbac: remove dependency: %w", err)
	}
	s.graph.RemoveDependency(permission, dependency)
	return s.invalidate(ctx)
}

// DependenciesOf returns the direct dependencies of a permission.
func (s *Service) DependenciesOf(permission string) []string {
	return s.graph.DependenciesOf(permission)
}

// DependentsOf returns the permissions that directly depend on permission.
func (s *Service) DependentsOf(permission string) []string {
	return s.graph.DependentsOf(permission)
}

// CanDelete reports whether a permission is unreferenced by roles and by
// other permissions' dependencies.
func (s *Service) CanDelete(ctx context.Context, permission string) (bool, error) {
	p, err := s.store.GetPermissionByName(ctx, normalizeName(permission))
	if err != nil {
		return false, err
	}
	return s.canDelete(ctx, p)
}

func (s *Service) canDelete(ctx context.Context, p Permission) (bool, error) {
	if s.graph.HasDependents(p.Name) {
		return false, nil
	}
	counts, err := s.store.PermissionRoleCounts(ctx)
	if err != nil {
		return false, err
	}
	return counts[p.ID] == 0, nil
}

// DeletePermission removes an unreferenced permission.
func (s *Service) DeletePermission(ctx context.Context, permission string) error {
	name := normalizeName(permission)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p, err := s.store.GetPermissionByName(ctx, name)
	if err != nil {
		return err
	}
	ok, err := s.canDelete(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return &shared.ProtectedResourceError{Kind: "permission", Name: name, Reason: "still granted to a role or required by another permission"}
	}
	if err := s.store.DeletePermission(ctx, p.ID); err != nil {
		return err
	}
	s.graph.RemovePermission(name)
	s.logger.Info("rbac permission deleted", slog.String("permission", name))
	return s.invalidate(ctx)
}

// UsageStats counts used and unused permissions overall and per module.
func (s *Service) UsageStats(ctx context.Context) (UsageStats, error) {
	perms, err := s.store.ListPermissions(ctx)
	if err != nil {
		return UsageStats{}, err
	}
	counts, err := s.store.PermissionRoleCounts(ctx)
	if err != nil {
		return UsageStats{}, err
	}
	stats := UsageStats{ByModule: make(map[string]ModuleUsage)}
	for _, p := range perms {
		mod := stats.ByModule[p.Module]
		mod.Total++
		stats.Total++
		if counts[p.ID] > 0 {
			mod.Used++
			stats.Used++
		} else {
			mod.Unused++
			stats.Unused++
		}
		stats.ByModule[p.Module] = mod
	}
	return stats, nil
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.store.GetRole(ctx, id)
}

// CreateRole inserts a new role. Reserved names are created protected.
func (s *Service) CreateRole(ctx context.Context, input RoleInput) (Role, error) {
	input.Name = normalizeName(input.Name)
	input.DisplayName = strings.TrimSpace(input.DisplayName)
	input.Description = strings.TrimSpace(input.Description)
	if err := s.validate.Struct(input); err != nil {
		return Role{}, fmt.Errorf("rbac: role %q: %w: %v", input.Name, shared.ErrValidation, err)
	}
	if input.DisplayName == "" {
		input.DisplayName = displayName(input.Name)
	}
	return s.store.CreateRole(ctx, Role{
		Name:              input.Name,
		DisplayName:       input.DisplayName,
		Description:       input.Description,
		IsSystemProtected: s.isProtectedName(input.Name),
	})
}

// UpdateRole updates an existing role. Protected roles are immutable, and a
// role cannot be renamed onto a reserved name.
func (s *Service) UpdateRole(ctx context.Context, id int64, input RoleInput) (Role, error) {
	input.Name = normalizeName(input.Name)
	input.DisplayName = strings.TrimSpace(input.DisplayName)
	input.Description = strings.TrimSpace(input.Description)
	if err := s.validate.Struct(input); err != nil {
		return Role{}, fmt.Errorf("rbac: role %q: %w: %v", input.Name, shared.ErrValidation, err)
	}
	existing, err := s.guardRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if s.isProtectedName(input.Name) {
		return Role{}, &shared.ProtectedResourceError{Kind: "role", Name: input.Name, Reason: "name is reserved"}
	}
	existing.Name = input.Name
	existing.DisplayName = input.DisplayName
	existing.Description = input.Description
	updated, err := s.store.UpdateRole(ctx, existing)
	if err != nil {
		return Role{}, err
	}
	return updated, s.invalidate(ctx)
}

// DeleteRole removes a role. Protected roles cannot be deleted.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	role, err := s.guardRole(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRole(ctx, id); err != nil {
		return err
	}
	s.logger.Info("rbac role deleted", slog.String("role", role.Name))
	return s.invalidate(ctx)
}

// SetRolePermissions replaces permissions for a role.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if _, err := s.guardRole(ctx, roleID); err != nil {
		return err
	}
	perms, err := s.store.ListRolePermissions(ctx, roleID)
	if err != nil {
		return err
	}
	existing := make(map[int64]struct{}, len(perms))
	for _, p := range perms {
		existing[p.ID] = struct{}{}
	}
	keep := make(map[int64]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		keep[id] = struct{}{}
		if _, ok := existing[id]; !ok {
			if err := s.store.AttachPermissionToRole(ctx, roleID, id); err != nil {
				return err
			}
		}
	}
	for id := range existing {
		if _, ok := keep[id]; !ok {
			if err := s.store.DetachPermissionFromRole(ctx, roleID, id); err != nil {
				return err
			}
		}
	}
	return s.invalidate(ctx)
}

// GrantPermission attaches a permission to a role by name.
func (s *Service) GrantPermission(ctx context.Context, roleID int64, permission string) error {
	if _, err := s.guardRole(ctx, roleID); err != nil {
		return err
	}
	p, err := s.store.GetPermissionByName(ctx, normalizeName(permission))
	if err != nil {
		return err
	}
	if err := s.store.AttachPermissionToRole(ctx, roleID, p.ID); err != nil {
		return err
	}
	return s.invalidate(ctx)
}

// AssignRole assigns a role to the given user.
func (s *Service) AssignRole(ctx context.Context, userID, roleID int64) error {
	if err := s.store.AssignRoleToUser(ctx, userID, roleID); err != nil {
		return err
	}
	return s.invalidate(ctx)
}

// RemoveRole removes a role from a user.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID int64) error {
	if err := s.store.RemoveRoleFromUser(ctx, userID, roleID); err != nil {
		return err
	}
	return s.invalidate(ctx)
}

// Reload refreshes the graph after another process changed it.
func (s *Service) Reload(ctx context.Context) {
	if err := s.LoadGraph(ctx); err != nil {
		s.logger.Error("rbac reload graph", slog.Any("error", err))
	}
}

func (s *Service) guardRole(ctx context.Context, id int64) (Role, error) {
	role, err := s.store.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if role.IsSystemProtected || s.isProtectedName(role.Name) {
		return Role{}, &shared.ProtectedResourceError{Kind: "role", Name: role.Name, Reason: "system role"}
	}
	return role, nil
}

func (s *Service) isProtectedName(name string) bool {
	_, ok := s.protected[normalizeName(name)]
	return ok
}

// invalidate bumps the permission cache. A failed bump is returned: the write
// already happened, and callers must not assume stale decisions are gone.
func (s *Service) invalidate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Error("rbac cache invalidation", slog.Any("error", err))
		return fmt.Errorf("rbac: invalidate cache: %w", err)
	}
	return nil
}

func displayName(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool { return r == '.' || r == '_' })
	return cases.Title(language.English).String(strings.Join(words, " "))
}
