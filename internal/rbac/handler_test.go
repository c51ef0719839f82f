package rbac

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/trustcore/internal/shared"
)

type staticChecker map[string]bool

func (c staticChecker) HasPermission(_ context.Context, _ int64, permission string) bool {
	return c[permission]
}

func withUser(id int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(shared.ContextWithUserID(r.Context(), id)))
		})
	}
}

func TestMiddlewareRequireAnyAndAll(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	m := Middleware{Checker: staticChecker{"audit.view": true}}

	cases := []struct {
		name    string
		handler http.Handler
		user    int64
		want    int
	}{
		{"any granted", m.RequireAny("audit.verify", "audit.view")(ok), 1, http.StatusOK},
		{"all denied", m.RequireAll("audit.verify", "audit.view")(ok), 1, http.StatusForbidden},
		{"no principal", m.RequireAny("audit.view")(ok), 0, http.StatusForbidden},
		{"no requirement", m.RequireAll()(ok), 0, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.user > 0 {
				req = req.WithContext(shared.ContextWithUserID(req.Context(), tc.user))
			}
			rec := httptest.NewRecorder()
			tc.handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func newTestRouter(t *testing.T) (http.Handler, fixture) {
	t.Helper()
	f := newFixture(t)
	admin := f.role(t, DefaultSuperAdminRole)
	f.user(t, 1, admin)
	h := NewHandler(nil, f.service, f.authorizer, Middleware{Checker: f.authorizer})
	r := chi.NewRouter()
	r.Use(withUser(1))
	r.Route("/rbac", h.MountRoutes)
	return r, f
}

func TestHandlerAddDependencyRejectsCycle(t *testing.T) {
	router, f := newTestRouter(t)
	f.permission(t, "user.view")
	f.permission(t, "user.edit")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rbac/permissions/user.edit/dependencies", strings.NewReader(`{"dependency":"user.view"}`)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rbac/permissions/user.view/dependencies", strings.NewReader(`{"dependency":"user.edit"}`)))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rbac/permissions/user.view/dependencies", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var view dependencyView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, []string{"user.edit"}, view.Dependents)
	require.False(t, view.CanDelete)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/rbac/permissions/user.view", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerCheck(t *testing.T) {
	router, f := newTestRouter(t)
	p := f.permission(t, "report.view")
	viewer := f.role(t, "viewer", p)
	f.user(t, 2, viewer)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rbac/check?user_id=2&permission=report.view", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp checkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Granted)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rbac/check?user_id=x&permission=report.view", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
