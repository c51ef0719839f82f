package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/trustcore/internal/audit"
	audithttp "github.com/odyssey-erp/trustcore/internal/audit/http"
	"github.com/odyssey-erp/trustcore/internal/observability"
	"github.com/odyssey-erp/trustcore/internal/rbac"
	"github.com/odyssey-erp/trustcore/internal/security"
	securityhttp "github.com/odyssey-erp/trustcore/internal/security/http"
	"github.com/odyssey-erp/trustcore/internal/shared"
)

type testStack struct {
	handler http.Handler
	service *rbac.Service
	store   *rbac.MemoryStore
	audit   *audit.MemoryStore
}

func newTestStack(t *testing.T) testStack {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	cfg := &Config{AppEnv: "test", AppRequestTimeout: 5 * time.Second, AppRateLimit: 1000}

	store := rbac.NewMemoryStore()
	graph := rbac.NewGraph()
	cache := rbac.NewMemoryCache(time.Minute)
	service := rbac.NewService(rbac.ServiceConfig{Store: store, Graph: graph, Cache: cache, Logger: logger})
	authorizer := rbac.NewAuthorizer(rbac.AuthorizerConfig{Store: store, Graph: graph, Cache: cache, Logger: logger})
	require.NoError(t, service.Bootstrap(ctx))
	guard := rbac.Middleware{Checker: authorizer, Logger: logger}

	signer, err := audit.NewSigner([]byte("router-test-key"))
	require.NoError(t, err)
	auditStore := audit.NewMemoryStore()
	analyzer := security.NewAnalyzer(auditStore, security.DefaultPolicy(), logger)
	recorder := audit.NewRecorder(audit.RecorderConfig{Store: auditStore, Signer: signer, Scorer: analyzer, Logger: logger})
	integrity := audit.NewIntegrityService(audit.IntegrityConfig{Store: auditStore, Signer: signer, Logger: logger})

	handler := NewRouter(RouterParams{
		Logger:          logger,
		Config:          cfg,
		RBACHandler:     rbac.NewHandler(logger, service, authorizer, guard),
		AuditHandler:    audithttp.NewHandler(logger, audit.NewService(auditStore, logger), integrity, auditStore, recorder, guard),
		SecurityHandler: securityhttp.NewHandler(logger, analyzer, guard),
		RBACMiddleware:  guard,
		Metrics:         observability.NewMetrics(),
		Readiness: map[string]ReadinessCheck{
			"postgres": func(context.Context) error { return nil },
		},
	})
	return testStack{handler: handler, service: service, store: store, audit: auditStore}
}

func (s testStack) grantSuperAdmin(t *testing.T, userID int64) {
	t.Helper()
	roles, err := s.service.ListRoles(context.Background())
	require.NoError(t, err)
	s.store.PutUser(rbac.User{ID: userID, Name: "admin", Active: true})
	require.NoError(t, s.service.AssignRole(context.Background(), userID, roles[0].ID))
}

func (s testStack) do(method, path, user string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(PrincipalHeader, user)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func TestRouterHealthAndReadiness(t *testing.T) {
	s := newTestStack(t)
	rr := s.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))

	rr = s.do(http.MethodGet, "/readyz", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"postgres":"ok"}`, rr.Body.String())
}

func TestReadinessReportsFailure(t *testing.T) {
	h := readinessHandler(slog.Default(), map[string]ReadinessCheck{
		"redis": func(context.Context) error { return errors.New("down") },
	})
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.JSONEq(t, `{"redis":"unavailable"}`, rr.Body.String())
}

func TestRouterPrincipalHeader(t *testing.T) {
	s := newTestStack(t)
	s.grantSuperAdmin(t, 1)

	rr := s.do(http.MethodGet, "/rbac/permissions", "", "")
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = s.do(http.MethodGet, "/rbac/permissions", "abc", "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Contains(t, rr.Header().Get("Content-Type"), "application/problem+json")

	rr = s.do(http.MethodGet, "/rbac/permissions", "1", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(http.MethodGet, "/security/suspicious-ips", "2", "")
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRouterAdminFlow(t *testing.T) {
	s := newTestStack(t)
	s.grantSuperAdmin(t, 1)

	rr := s.do(http.MethodPost, "/rbac/permissions/"+shared.PermAuditView+"/dependencies", "1", `{"dependency":"`+shared.PermAuditManage+`"}`)
	require.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())

	rr = s.do(http.MethodPost, "/audit/integrity-check", "1", `{}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var report audit.IntegrityReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	require.Equal(t, audit.ReportCompleted, report.Status)

	rr = s.do(http.MethodGet, "/security/report", "1", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = s.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `trustcore_http_requests_total{code="409",method="POST",route="/rbac/permissions/{name}/dependencies"} 1`)
}

func TestRouterUnknownRouteIsProblem(t *testing.T) {
	s := newTestStack(t)
	rr := s.do(http.MethodGet, "/nope", "", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Contains(t, rr.Header().Get("Content-Type"), "application/problem+json")
}
