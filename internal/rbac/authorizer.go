package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/singleflight"
)

// Authorizer answers permission checks for users. It fails closed: any error
// while resolving roles or permissions denies the request.
type Authorizer struct {
	store      Store
	graph      *Graph
	cache      PermissionCache
	logger     *slog.Logger
	superAdmin string
	loads      singleflight.Group
}

// AuthorizerConfig collects dependencies for NewAuthorizer.
type AuthorizerConfig struct {
	Store          Store
	Graph          *Graph
	Cache          PermissionCache
	Logger         *slog.Logger
	SuperAdminRole string
}

// NewAuthorizer builds an Authorizer. A nil cache means every check recomputes.
func NewAuthorizer(cfg AuthorizerConfig) *Authorizer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	superAdmin := normalizeName(cfg.SuperAdminRole)
	if superAdmin == "" {
		superAdmin = DefaultSuperAdminRole
	}
	graph := cfg.Graph
	if graph == nil {
		graph = NewGraph()
	}
	return &Authorizer{
		store:      cfg.Store,
		graph:      graph,
		cache:      cfg.Cache,
		logger:     logger,
		superAdmin: superAdmin,
	}
}

// HasPermission reports whether the user may exercise permission.
func (a *Authorizer) HasPermission(ctx context.Context, userID int64, permission string) (granted bool) {
	permission = normalizeName(permission)
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("rbac authorize panic", slog.Int64("user_id", userID), slog.String("permission", permission), slog.Any("panic", rec))
			granted = false
		}
	}()
	if a == nil || a.store == nil || permission == "" {
		return false
	}
	allowed, err := a.check(ctx, userID, permission)
	if err != nil {
		a.logger.Error("rbac authorize", slog.Int64("user_id", userID), slog.String("permission", permission), slog.Any("error", err))
		return false
	}
	return allowed
}

// HasAny reports whether the user holds at least one of the permissions.
func (a *Authorizer) HasAny(ctx context.Context, userID int64, permissions ...string) bool {
	for _, p := range permissions {
		if a.HasPermission(ctx, userID, p) {
			return true
		}
	}
	return false
}

// HasAll reports whether the user holds every permission.
func (a *Authorizer) HasAll(ctx context.Context, userID int64, permissions ...string) bool {
	for _, p := range permissions {
		if !a.HasPermission(ctx, userID, p) {
			return false
		}
	}
	return true
}

// EffectivePermissions returns the user's permission names closed under the
// dependency graph. Super admins get every known permission.
func (a *Authorizer) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	user, roles, err := a.principal(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, nil
	}
	if a.isSuperAdmin(roles) {
		perms, err := a.store.ListPermissions(ctx)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(perms))
		for _, p := range perms {
			names = append(names, p.Name)
		}
		sort.Strings(names)
		return names, nil
	}
	return a.effective(ctx, userID, roles)
}

func (a *Authorizer) check(ctx context.Context, userID int64, permission string) (bool, error) {
	user, roles, err := a.principal(ctx, userID)
	if err != nil {
		return false, err
	}
	if !user.Active {
		return false, nil
	}
	if a.isSuperAdmin(roles) {
		return true, nil
	}
	perms, err := a.effective(ctx, userID, roles)
	if err != nil {
		return false, err
	}
	idx := sort.SearchStrings(perms, permission)
	return idx < len(perms) && perms[idx] == permission, nil
}

func (a *Authorizer) principal(ctx context.Context, userID int64) (User, []Role, error) {
	if userID <= 0 {
		return User{}, nil, fmt.Errorf("rbac: invalid user id %d", userID)
	}
	user, err := a.store.GetUser(ctx, userID)
	if err != nil {
		return User{}, nil, fmt.Errorf("rbac: load user %d: %w", userID, err)
	}
	roles, err := a.store.UserRoles(ctx, userID)
	if err != nil {
		return User{}, nil, fmt.Errorf("rbac: load roles for user %d: %w", userID, err)
	}
	return user, roles, nil
}

func (a *Authorizer) isSuperAdmin(roles []Role) bool {
	for _, r := range roles {
		if normalizeName(r.Name) == a.superAdmin {
			return true
		}
	}
	return false
}

// effective returns the sorted effective permission set. Only the direct role
// grants are cached; the closure is always taken over this process's graph, so
// a node holding a stale graph cannot publish its view to other nodes.
// Concurrent misses for the same key share one load.
func (a *Authorizer) effective(ctx context.Context, userID int64, roles []Role) ([]string, error) {
	roleIDs := make([]int64, len(roles))
	for i, r := range roles {
		roleIDs[i] = r.ID
	}
	key := CacheKey(userID, roleIDs)
	loader := func(ctx context.Context) ([]string, error) {
		direct, err := a.store.RolePermissionNames(ctx, roleIDs)
		if err != nil {
			return nil, fmt.Errorf("rbac: direct permissions: %w", err)
		}
		return direct, nil
	}
	var direct []string
	if a.cache == nil {
		var err error
		if direct, err = loader(ctx); err != nil {
			return nil, err
		}
	} else {
		v, err, _ := a.loads.Do(key, func() (interface{}, error) {
			return a.cache.Fetch(ctx, key, loader)
		})
		if err != nil {
			return nil, err
		}
		direct = v.([]string)
	}
	return a.graph.Closure(direct), nil
}
