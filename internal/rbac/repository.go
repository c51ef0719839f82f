package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/trustcore/internal/platform/db"
	"github.com/odyssey-erp/trustcore/internal/shared"
)

const pgUniqueViolation = "23505"

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

var _ Store = (*Repository)(nil)

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const permissionColumns = `id, name, display_name, module, type, description, created_at`

// ListPermissions returns all permissions ordered by name.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+permissionColumns+` FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// GetPermissionByName fetches a permission by its unique name.
func (r *Repository) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE name = $1`, name)
	p, err := scanPermission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, fmt.Errorf("rbac: permission %q: %w", name, shared.ErrNotFound)
		}
		return Permission{}, err
	}
	return p, nil
}

// CreatePermission inserts a permission.
func (r *Repository) CreatePermission(ctx context.Context, p Permission) (Permission, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO permissions (name, display_name, module, type, description, created_at)
VALUES ($1, $2, $3, $4, $5, NOW()) RETURNING `+permissionColumns,
		p.Name, p.DisplayName, p.Module, p.Type, p.Description)
	created, err := scanPermission(row)
	if err != nil {
		return Permission{}, mapPgError(err)
	}
	return created, nil
}

// DeletePermission removes a permission; edges and grants cascade.
func (r *Repository) DeletePermission(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListDependencies returns every dependency edge by permission name.
func (r *Repository) ListDependencies(ctx context.Context) ([]Dependency, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.name, d.name
FROM permission_dependencies pd
JOIN permissions p ON p.id = pd.permission_id
JOIN permissions d ON d.id = pd.dependency_id
ORDER BY p.name, d.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []Dependency
	for rows.Next() {
		var e Dependency
		if err := rows.Scan(&e.Permission, &e.Dependency); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// dependencyLockKey is the pg_advisory_xact_lock key serializing dependency
// writes across every process sharing the database.
const dependencyLockKey int64 = 0x7262616364657073

// cyclePathQuery walks stored edges from $2 and returns the chain of names
// reaching $1, if any.
const cyclePathQuery = `WITH RECURSIVE reach(id, path) AS (
	SELECT p.id, ARRAY[p.name]::text[] FROM permissions p WHERE p.id = $2
	UNION ALL
	SELECT pd.dependency_id, reach.path || d.name
	FROM reach
	JOIN permission_dependencies pd ON pd.permission_id = reach.id
	JOIN permissions d ON d.id = pd.dependency_id
	WHERE reach.id <> $1 AND NOT d.name = ANY(reach.path)
)
SELECT path FROM reach WHERE id = $1 LIMIT 1`

// AddDependency stores the edge permissionID -> dependencyID. The insert runs
// under a transaction-scoped advisory lock after re-checking the stored edges,
// so concurrent writers on other nodes cannot persist a cycle.
func (r *Repository) AddDependency(ctx context.Context, permissionID, dependencyID int64) error {
	opts := pgx.TxOptions{IsoLevel: pgx.ReadCommitted}
	return db.WithTxOptions(ctx, r.pool, opts, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, dependencyLockKey); err != nil {
			return fmt.Errorf("lock dependencies: %w", err)
		}
		var path []string
		err := tx.QueryRow(ctx, cyclePathQuery, permissionID, dependencyID).Scan(&path)
		switch {
		case err == nil:
			return &CircularDependencyError{
				Permission: path[len(path)-1],
				Dependency: path[0],
				Path:       path,
			}
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("check dependency cycle: %w", err)
		}
		_, err = tx.Exec(ctx, `INSERT INTO permission_dependencies (permission_id, dependency_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, permissionID, dependencyID)
		return err
	})
}

// RemoveDependency deletes the edge permissionID -> dependencyID.
func (r *Repository) RemoveDependency(ctx context.Context, permissionID, dependencyID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM permission_dependencies WHERE permission_id = $1 AND dependency_id = $2`, permissionID, dependencyID)
	return err
}

const roleColumns = `id, name, display_name, description, is_system_protected, created_at, updated_at`

// ListRoles returns all roles ordered by name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GetRole fetches a role by ID.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// CreateRole inserts a new role.
func (r *Repository) CreateRole(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO roles (name, display_name, description, is_system_protected, created_at, updated_at)
VALUES ($1, $2, $3, $4, NOW(), NOW()) RETURNING `+roleColumns,
		role.Name, role.DisplayName, role.Description, role.IsSystemProtected)
	created, err := scanRole(row)
	if err != nil {
		return Role{}, mapPgError(err)
	}
	return created, nil
}

// UpdateRole updates name, display name and description.
func (r *Repository) UpdateRole(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx, `UPDATE roles SET name = $2, display_name = $3, description = $4, is_system_protected = $5, updated_at = NOW()
WHERE id = $1 RETURNING `+roleColumns,
		role.ID, role.Name, role.DisplayName, role.Description, role.IsSystemProtected)
	updated, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.ErrNotFound
		}
		return Role{}, mapPgError(err)
	}
	return updated, nil
}

// DeleteRole removes a role by ID. Returns ErrNotFound if nothing was deleted.
func (r *Repository) DeleteRole(ctx context.Context, id int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE role_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		return nil
	})
}

// ListRolePermissions returns the permissions granted to a role.
func (r *Repository) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.id, p.name, p.display_name, p.module, p.type, p.description, p.created_at
FROM permissions p JOIN role_permissions rp ON rp.permission_id = p.id
WHERE rp.role_id = $1 ORDER BY p.name`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// AttachPermissionToRole grants a permission to a role.
func (r *Repository) AttachPermissionToRole(ctx context.Context, roleID, permissionID int64) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, roleID, permissionID)
	return err
}

// DetachPermissionFromRole revokes a permission from a role.
func (r *Repository) DetachPermissionFromRole(ctx context.Context, roleID, permissionID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	return err
}

// PermissionRoleCounts maps permission id to the number of roles holding it.
func (r *Repository) PermissionRoleCounts(ctx context.Context) (map[int64]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT permission_id, COUNT(*) FROM role_permissions GROUP BY permission_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[int64]int)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// RolePermissionNames returns the union of permission names held by the roles.
func (r *Repository) RolePermissionNames(ctx context.Context, roleIDs []int64) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT p.name FROM permissions p
JOIN role_permissions rp ON rp.permission_id = p.id
WHERE rp.role_id = ANY($1) ORDER BY p.name`, roleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// GetUser fetches a user by ID.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	err := r.pool.QueryRow(ctx, `SELECT id, name, is_active FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Name, &u.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, shared.ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

// UserRoles returns the roles assigned to a user ordered by ID.
func (r *Repository) UserRoles(ctx context.Context, userID int64) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT r.id, r.name, r.display_name, r.description, r.is_system_protected, r.created_at, r.updated_at
FROM roles r JOIN user_roles ur ON ur.role_id = r.id
WHERE ur.user_id = $1 ORDER BY r.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// AssignRoleToUser links a role to a user.
func (r *Repository) AssignRoleToUser(ctx context.Context, userID, roleID int64) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO user_roles (user_id, role_id, created_at) VALUES ($1, $2, NOW()) ON CONFLICT DO NOTHING`, userID, roleID)
	return err
}

// RemoveRoleFromUser unlinks a role from a user.
func (r *Repository) RemoveRoleFromUser(ctx context.Context, userID, roleID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	return err
}

func scanPermission(row pgx.Row) (Permission, error) {
	var p Permission
	err := row.Scan(&p.ID, &p.Name, &p.DisplayName, &p.Module, &p.Type, &p.Description, &p.CreatedAt)
	return p, err
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.IsSystemProtected, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("rbac: %s: %w", pgErr.ConstraintName, shared.ErrDuplicate)
	}
	return err
}
