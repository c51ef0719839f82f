package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/trustcore/internal/shared"
)

// PermissionChecker is the authorization query used by Middleware.
type PermissionChecker interface {
	HasPermission(ctx context.Context, userID int64, permission string) bool
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Checker PermissionChecker
	Logger  *slog.Logger
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := shared.UserIDFromContext(r.Context())
			if !ok || m.Checker == nil {
				m.deny(r, userID, normalized)
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			for _, p := range normalized {
				if m.Checker.HasPermission(r.Context(), userID, p) {
					next.ServeHTTP(w, r)
					return
				}
			}
			m.deny(r, userID, normalized)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := shared.UserIDFromContext(r.Context())
			if !ok || m.Checker == nil {
				m.deny(r, userID, normalized)
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			for _, p := range normalized {
				if !m.Checker.HasPermission(r.Context(), userID, p) {
					m.deny(r, userID, normalized)
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) deny(r *http.Request, userID int64, perms []string) {
	if m.Logger == nil {
		return
	}
	m.Logger.Warn("rbac denied",
		slog.Int64("user_id", userID),
		slog.String("path", r.URL.Path),
		slog.String("required", strings.Join(perms, ",")),
	)
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = normalizeName(p)
		if p == "" {
			continue
		}
		if _, ok := unique[p]; ok {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
