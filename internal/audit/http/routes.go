package audithttp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/trustcore/internal/shared"
)

const rateLimit = 10
const rateWindow = time.Minute

// MountRoutes registers audit endpoints. Full scans and re-signing are rate limited per user.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.With(h.rbac.RequireAny(shared.PermAuditView)).Get("/activities", h.handleTimeline)
	r.With(h.rbac.RequireAny(shared.PermAuditVerify)).Post("/verify", h.handleVerify)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.With(h.rbac.RequireAny(shared.PermAuditVerify)).Post("/integrity-check", h.handleIntegrityCheck)
		gr.With(h.rbac.RequireAll(shared.PermAuditManage)).Post("/activities/{id}/signature", h.handleRegenerate)
	})
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
