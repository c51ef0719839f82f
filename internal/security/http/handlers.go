package securityhttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/trustcore/internal/platform/httpx"
	"github.com/odyssey-erp/trustcore/internal/rbac"
	"github.com/odyssey-erp/trustcore/internal/security"
	"github.com/odyssey-erp/trustcore/internal/shared"
)

const (
	maxReportRange  = 31 * 24 * time.Hour
	reportRateLimit = 10
)

// Analyzer is the query surface used by the handlers.
type Analyzer interface {
	CheckSuspiciousIPs(ctx context.Context) ([]security.SuspiciousIP, error)
	MonitorFailedLogins(ctx context.Context) (security.FailedLoginSummary, error)
	GenerateSecurityReport(ctx context.Context, tr security.TimeRange) (security.Report, error)
}

// Handler serves the security dashboard API.
type Handler struct {
	logger   *slog.Logger
	analyzer Analyzer
	rbac     rbac.Middleware
}

// NewHandler builds the handler.
func NewHandler(logger *slog.Logger, analyzer Analyzer, guard rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, analyzer: analyzer, rbac: guard}
}

// MountRoutes registers security routes. Reports scan the whole range and are rate limited.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermSecurityView))
		r.Get("/suspicious-ips", h.handleSuspiciousIPs)
		r.Get("/failed-logins", h.handleFailedLogins)
		r.With(httprate.Limit(reportRateLimit, time.Minute, httprate.WithKeyFuncs(rateLimitKey))).Get("/report", h.handleReport)
	})
}

func (h *Handler) handleSuspiciousIPs(w http.ResponseWriter, r *http.Request) {
	ips, err := h.analyzer.CheckSuspiciousIPs(r.Context())
	if err != nil {
		h.serverError(w, "check suspicious ips", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"suspicious_ips": ips})
}

func (h *Handler) handleFailedLogins(w http.ResponseWriter, r *http.Request) {
	summary, err := h.analyzer.MonitorFailedLogins(r.Context())
	if err != nil {
		h.serverError(w, "monitor failed logins", err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	tr, ok := parseRange(w, r)
	if !ok {
		return
	}
	report, err := h.analyzer.GenerateSecurityReport(r.Context(), tr)
	if err != nil {
		h.logger.Warn("security report", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func parseRange(w http.ResponseWriter, r *http.Request) (security.TimeRange, bool) {
	var tr security.TimeRange
	for name, target := range map[string]*time.Time{"from": &tr.From, "to": &tr.To} {
		raw := strings.TrimSpace(r.URL.Query().Get(name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", name+" must be an RFC 3339 timestamp")
			return security.TimeRange{}, false
		}
		*target = t
	}
	if !tr.From.IsZero() && !tr.To.IsZero() && tr.To.Sub(tr.From) > maxReportRange {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "range must not exceed 31 days")
		return security.TimeRange{}, false
	}
	return tr, true
}

func (h *Handler) serverError(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, slog.Any("error", err))
	httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
}

func rateLimitKey(r *http.Request) (string, error) {
	if userID, ok := shared.UserIDFromContext(r.Context()); ok {
		return "user:" + strconv.FormatInt(userID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
