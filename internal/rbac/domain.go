package rbac

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultSuperAdminRole is the reserved role that bypasses all permission checks.
const DefaultSuperAdminRole = "super_admin"

var (
	// ErrCircularDependency is matched by every CircularDependencyError.
	ErrCircularDependency = errors.New("rbac: circular dependency")
	// ErrInvalidPermission rejects empty or malformed permission names.
	ErrInvalidPermission = errors.New("rbac: invalid permission name")
)

// Role represents a high-level permission grouping.
type Role struct {
	ID                int64
	Name              string
	DisplayName       string
	Description       string
	IsSystemProtected bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Permission represents an atomic capability, named module.type.
type Permission struct {
	ID          int64
	Name        string
	DisplayName string
	Module      string
	Type        string
	Description string
	CreatedAt   time.Time
}

// Dependency declares that Permission requires Dependency to be meaningful.
type Dependency struct {
	Permission string
	Dependency string
}

// User is the principal being authorized.
type User struct {
	ID     int64
	Name   string
	Active bool
}

// ModuleUsage counts permissions of a single module.
type ModuleUsage struct {
	Total  int `json:"total"`
	Used   int `json:"used"`
	Unused int `json:"unused"`
}

// UsageStats summarises how many permissions are granted to at least one role.
type UsageStats struct {
	Total    int                    `json:"total"`
	Used     int                    `json:"used"`
	Unused   int                    `json:"unused"`
	ByModule map[string]ModuleUsage `json:"by_module"`
}

// CircularDependencyError is returned when a dependency edge would close a cycle.
// Path lists the existing chain from Dependency back to Permission.
type CircularDependencyError struct {
	Permission string
	Dependency string
	Path       []string
}

func (e *CircularDependencyError) Error() string {
	if e.Permission == e.Dependency {
		return fmt.Sprintf("rbac: permission %q cannot depend on itself", e.Permission)
	}
	if len(e.Path) > 0 {
		return fmt.Sprintf("rbac: dependency %q -> %q would create a cycle (%s)", e.Permission, e.Dependency, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("rbac: dependency %q -> %q would create a cycle", e.Permission, e.Dependency)
}

// Is lets errors.Is match ErrCircularDependency.
func (e *CircularDependencyError) Is(target error) bool {
	return target == ErrCircularDependency
}

// SplitPermissionName returns the module and type segments of a dot-namespaced name.
func SplitPermissionName(name string) (module, typ string) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}

func normalizeName(name string) string {
	return strings.TrimSpace(strings.ToLower(name))
}
