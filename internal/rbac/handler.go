package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/trustcore/internal/platform/httpx"
	"github.com/odyssey-erp/trustcore/internal/shared"
)

// Handler exposes permission administration and authorization queries.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	authorizer *Authorizer
	rbac       Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, authorizer *Authorizer, rbac Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, authorizer: authorizer, rbac: rbac}
}

// MountRoutes registers permission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermPermissionsView, shared.PermPermissionsManage))
		r.Get("/permissions", h.listPermissions)
		r.Get("/permissions/stats", h.usageStats)
		r.Get("/permissions/{name}/dependencies", h.listDependencies)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermPermissionsManage))
		r.Post("/permissions/{name}/dependencies", h.addDependency)
		r.Delete("/permissions/{name}/dependencies/{dependency}", h.removeDependency)
		r.Delete("/permissions/{name}", h.deletePermission)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermRolesView))
		r.Get("/check", h.check)
	})
}

type dependencyView struct {
	Permission   string   `json:"permission"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
	CanDelete    bool     `json:"can_delete"`
}

type addDependencyRequest struct {
	Dependency string `json:"dependency"`
}

type checkResponse struct {
	UserID     int64  `json:"user_id"`
	Permission string `json:"permission"`
	Granted    bool   `json:"granted"`
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) usageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.UsageStats(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) listDependencies(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	canDelete, err := h.service.CanDelete(r.Context(), name)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dependencyView{
		Permission:   normalizeName(name),
		Dependencies: h.service.DependenciesOf(name),
		Dependents:   h.service.DependentsOf(name),
		CanDelete:    canDelete,
	})
}

func (h *Handler) addDependency(w http.ResponseWriter, r *http.Request) {
	var req addDependencyRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.service.AddDependency(r.Context(), name, req.Dependency); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, dependencyView{
		Permission:   normalizeName(name),
		Dependencies: h.service.DependenciesOf(name),
		Dependents:   h.service.DependentsOf(name),
	})
}

func (h *Handler) removeDependency(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RemoveDependency(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "dependency")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeletePermission(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user_id must be a positive integer")
		return
	}
	permission := normalizeName(r.URL.Query().Get("permission"))
	if permission == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "permission is required")
		return
	}
	httpx.JSON(w, http.StatusOK, checkResponse{
		UserID:     userID,
		Permission: permission,
		Granted:    h.authorizer.HasPermission(r.Context(), userID, permission),
	})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrCircularDependency) {
		httpx.Problem(w, http.StatusConflict, "Circular Dependency", err.Error())
		return
	}
	if errors.Is(err, ErrInvalidPermission) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	h.logger.Warn("rbac handler", slog.Any("error", err))
	httpx.RespondError(w, err)
}
