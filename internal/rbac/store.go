package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/trustcore/internal/shared"
)

// Store persists roles, permissions, dependency edges and user assignments.
type Store interface {
	ListPermissions(ctx context.Context) ([]Permission, error)
	GetPermissionByName(ctx context.Context, name string) (Permission, error)
	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	DeletePermission(ctx context.Context, id int64) error

	ListDependencies(ctx context.Context) ([]Dependency, error)
	// AddDependency persists an edge after re-checking the stored edge set
	// under the store's own lock. It returns a *CircularDependencyError when
	// the edge would close a cycle, whatever the caller's graph says.
	AddDependency(ctx context.Context, permissionID, dependencyID int64) error
	RemoveDependency(ctx context.Context, permissionID, dependencyID int64) error

	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	CreateRole(ctx context.Context, r Role) (Role, error)
	UpdateRole(ctx context.Context, r Role) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error)
	AttachPermissionToRole(ctx context.Context, roleID, permissionID int64) error
	DetachPermissionFromRole(ctx context.Context, roleID, permissionID int64) error
	// PermissionRoleCounts maps permission id to the number of roles holding it.
	PermissionRoleCounts(ctx context.Context) (map[int64]int, error)
	// RolePermissionNames returns the union of permission names held by the roles.
	RolePermissionNames(ctx context.Context, roleIDs []int64) ([]string, error)

	GetUser(ctx context.Context, id int64) (User, error)
	UserRoles(ctx context.Context, userID int64) ([]Role, error)
	AssignRoleToUser(ctx context.Context, userID, roleID int64) error
	RemoveRoleFromUser(ctx context.Context, userID, roleID int64) error
}

// MemoryStore implements Store in memory. It backs tests and single-process
// deployments without PostgreSQL.
type MemoryStore struct {
	mu          sync.RWMutex
	nextID      int64
	permissions map[int64]Permission
	roles       map[int64]Role
	users       map[int64]User
	edges       map[int64]map[int64]struct{}
	rolePerms   map[int64]map[int64]struct{}
	userRoles   map[int64]map[int64]struct{}
	now         func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		permissions: make(map[int64]Permission),
		roles:       make(map[int64]Role),
		users:       make(map[int64]User),
		edges:       make(map[int64]map[int64]struct{}),
		rolePerms:   make(map[int64]map[int64]struct{}),
		userRoles:   make(map[int64]map[int64]struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// PutUser inserts or replaces a user record. Users are owned by the
// surrounding application; the store only mirrors identity and active flag.
func (s *MemoryStore) PutUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// ListPermissions returns all permissions ordered by name.
func (s *MemoryStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perms := make([]Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
	return perms, nil
}

// GetPermissionByName fetches a permission by its unique name.
func (s *MemoryStore) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.permissionByNameLocked(name); ok {
		return p, nil
	}
	return Permission{}, fmt.Errorf("rbac: permission %q: %w", name, shared.ErrNotFound)
}

// CreatePermission inserts a permission; names are unique.
func (s *MemoryStore) CreatePermission(ctx context.Context, p Permission) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.permissionByNameLocked(p.Name); ok {
		return Permission{}, fmt.Errorf("rbac: permission %q: %w", p.Name, shared.ErrDuplicate)
	}
	s.nextID++
	p.ID = s.nextID
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.permissions[p.ID] = p
	return p, nil
}

// DeletePermission removes a permission together with its edges and grants.
func (s *MemoryStore) DeletePermission(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.permissions[id]; !ok {
		return shared.ErrNotFound
	}
	delete(s.permissions, id)
	delete(s.edges, id)
	for _, deps := range s.edges {
		delete(deps, id)
	}
	for _, perms := range s.rolePerms {
		delete(perms, id)
	}
	return nil
}

// ListDependencies returns every dependency edge by permission name.
func (s *MemoryStore) ListDependencies(ctx context.Context) ([]Dependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	edges := make([]Dependency, 0)
	for from, deps := range s.edges {
		for to := range deps {
			edges = append(edges, Dependency{
				Permission: s.permissions[from].Name,
				Dependency: s.permissions[to].Name,
			})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Permission == edges[j].Permission {
			return edges[i].Dependency < edges[j].Dependency
		}
		return edges[i].Permission < edges[j].Permission
	})
	return edges, nil
}

// AddDependency stores the edge permissionID -> dependencyID.
func (s *MemoryStore) AddDependency(ctx context.Context, permissionID, dependencyID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.permissions[permissionID]; !ok {
		return shared.ErrNotFound
	}
	if _, ok := s.permissions[dependencyID]; !ok {
		return shared.ErrNotFound
	}
	if path := s.pathLocked(dependencyID, permissionID); path != nil {
		names := make([]string, len(path))
		for i, id := range path {
			names[i] = s.permissions[id].Name
		}
		return &CircularDependencyError{
			Permission: s.permissions[permissionID].Name,
			Dependency: s.permissions[dependencyID].Name,
			Path:       names,
		}
	}
	addIDEdge(s.edges, permissionID, dependencyID)
	return nil
}

// pathLocked returns the stored chain from start to target, or nil.
func (s *MemoryStore) pathLocked(start, target int64) []int64 {
	visited := make(map[int64]struct{})
	var path []int64
	var walk func(node int64) bool
	walk = func(node int64) bool {
		if _, ok := visited[node]; ok {
			return false
		}
		visited[node] = struct{}{}
		path = append(path, node)
		if node == target {
			return true
		}
		for next := range s.edges[node] {
			if walk(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if walk(start) {
		return path
	}
	return nil
}

// RemoveDependency deletes the edge permissionID -> dependencyID.
func (s *MemoryStore) RemoveDependency(ctx context.Context, permissionID, dependencyID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if deps, ok := s.edges[permissionID]; ok {
		delete(deps, dependencyID)
	}
	return nil
}

// ListRoles returns all roles ordered by name.
func (s *MemoryStore) ListRoles(ctx context.Context) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roles := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

// GetRole fetches a role by ID.
func (s *MemoryStore) GetRole(ctx context.Context, id int64) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return Role{}, shared.ErrNotFound
	}
	return r, nil
}

// CreateRole inserts a role; names are unique.
func (s *MemoryStore) CreateRole(ctx context.Context, r Role) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.Name == r.Name {
			return Role{}, fmt.Errorf("rbac: role %q: %w", r.Name, shared.ErrDuplicate)
		}
	}
	s.nextID++
	r.ID = s.nextID
	now := s.now()
	r.CreatedAt, r.UpdatedAt = now, now
	s.roles[r.ID] = r
	return r, nil
}

// UpdateRole replaces name, display name and description.
func (s *MemoryStore) UpdateRole(ctx context.Context, r Role) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.roles[r.ID]
	if !ok {
		return Role{}, shared.ErrNotFound
	}
	for id, other := range s.roles {
		if id != r.ID && other.Name == r.Name {
			return Role{}, fmt.Errorf("rbac: role %q: %w", r.Name, shared.ErrDuplicate)
		}
	}
	existing.Name = r.Name
	existing.DisplayName = r.DisplayName
	existing.Description = r.Description
	existing.IsSystemProtected = r.IsSystemProtected
	existing.UpdatedAt = s.now()
	s.roles[r.ID] = existing
	return existing, nil
}

// DeleteRole removes a role and its grants and memberships.
func (s *MemoryStore) DeleteRole(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return shared.ErrNotFound
	}
	delete(s.roles, id)
	delete(s.rolePerms, id)
	for _, roles := range s.userRoles {
		delete(roles, id)
	}
	return nil
}

// ListRolePermissions returns the permissions granted to a role.
func (s *MemoryStore) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perms := make([]Permission, 0, len(s.rolePerms[roleID]))
	for id := range s.rolePerms[roleID] {
		perms = append(perms, s.permissions[id])
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
	return perms, nil
}

// AttachPermissionToRole grants a permission to a role.
func (s *MemoryStore) AttachPermissionToRole(ctx context.Context, roleID, permissionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return shared.ErrNotFound
	}
	if _, ok := s.permissions[permissionID]; !ok {
		return shared.ErrNotFound
	}
	addIDEdge(s.rolePerms, roleID, permissionID)
	return nil
}

// DetachPermissionFromRole revokes a permission from a role.
func (s *MemoryStore) DetachPermissionFromRole(ctx context.Context, roleID, permissionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if perms, ok := s.rolePerms[roleID]; ok {
		delete(perms, permissionID)
	}
	return nil
}

// PermissionRoleCounts maps permission id to the number of roles holding it.
func (s *MemoryStore) PermissionRoleCounts(ctx context.Context) (map[int64]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[int64]int)
	for _, perms := range s.rolePerms {
		for id := range perms {
			counts[id]++
		}
	}
	return counts, nil
}

// RolePermissionNames returns the union of permission names held by the roles.
func (s *MemoryStore) RolePermissionNames(ctx context.Context, roleIDs []int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{})
	for _, roleID := range roleIDs {
		for id := range s.rolePerms[roleID] {
			set[s.permissions[id].Name] = struct{}{}
		}
	}
	return sortedKeys(set), nil
}

// GetUser fetches a user by ID.
func (s *MemoryStore) GetUser(ctx context.Context, id int64) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, shared.ErrNotFound
	}
	return u, nil
}

// UserRoles returns the roles assigned to a user ordered by ID.
func (s *MemoryStore) UserRoles(ctx context.Context, userID int64) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roles := make([]Role, 0, len(s.userRoles[userID]))
	for id := range s.userRoles[userID] {
		roles = append(roles, s.roles[id])
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
	return roles, nil
}

// AssignRoleToUser links a role to a user.
func (s *MemoryStore) AssignRoleToUser(ctx context.Context, userID, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return shared.ErrNotFound
	}
	if _, ok := s.roles[roleID]; !ok {
		return shared.ErrNotFound
	}
	addIDEdge(s.userRoles, userID, roleID)
	return nil
}

// RemoveRoleFromUser unlinks a role from a user.
func (s *MemoryStore) RemoveRoleFromUser(ctx context.Context, userID, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if roles, ok := s.userRoles[userID]; ok {
		delete(roles, roleID)
	}
	return nil
}

func (s *MemoryStore) permissionByNameLocked(name string) (Permission, bool) {
	for _, p := range s.permissions {
		if p.Name == name {
			return p, true
		}
	}
	return Permission{}, false
}

func addIDEdge(m map[int64]map[int64]struct{}, from, to int64) {
	set, ok := m[from]
	if !ok {
		set = make(map[int64]struct{})
		m[from] = set
	}
	set[to] = struct{}{}
}
