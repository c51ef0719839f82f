package audithttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/trustcore/internal/audit"
	"github.com/odyssey-erp/trustcore/internal/platform/httpx"
	"github.com/odyssey-erp/trustcore/internal/rbac"
	"github.com/odyssey-erp/trustcore/internal/shared"
)

const (
	defaultPageSize   = 20
	maxPageSize       = 100
	defaultDateRange  = 7 * 24 * time.Hour
	maxDateRangeHours = 24 * 90
	maxVerifyIDs      = 1000
)

// TimelineService defines the business contract for timeline data.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
}

// IntegrityService is the verification surface used by the handlers.
type IntegrityService interface {
	VerifyActivity(a audit.Activity) bool
	VerifyBatch(ctx context.Context, activities []audit.Activity) map[int64]bool
	PerformIntegrityCheck(ctx context.Context, opts audit.CheckOptions) (audit.IntegrityReport, error)
	RegenerateSignature(ctx context.Context, id int64) (string, error)
}

// ActivityLoader fetches single records for verification.
type ActivityLoader interface {
	Get(ctx context.Context, id int64) (audit.Activity, error)
}

// Handler serves the audit administration API.
type Handler struct {
	logger    *slog.Logger
	service   TimelineService
	integrity IntegrityService
	loader    ActivityLoader
	recorder  *audit.Recorder
	rbac      rbac.Middleware
	now       func() time.Time
}

// NewHandler creates the audit handler. recorder may be nil; when set,
// administrative actions are themselves recorded.
func NewHandler(logger *slog.Logger, service TimelineService, integrity IntegrityService, loader ActivityLoader, recorder *audit.Recorder, guard rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		integrity: integrity,
		loader:    loader,
		recorder:  recorder,
		rbac:      guard,
		now:       time.Now,
	}
}

type activityView struct {
	audit.Activity
	Properties     json.RawMessage `json:"properties,omitempty"`
	SignatureValid bool            `json:"signature_valid"`
}

type timelineResponse struct {
	Activities []activityView   `json:"activities"`
	Paging     audit.PagingInfo `json:"paging"`
}

type verifyRequest struct {
	IDs []int64 `json:"ids"`
}

type verifyResponse struct {
	Results map[int64]bool `json:"results"`
	Missing []int64        `json:"missing"`
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.handleServerError(w, "load audit timeline", err)
		return
	}
	views := make([]activityView, 0, len(result.Rows))
	for _, a := range result.Rows {
		view := activityView{Activity: a, SignatureValid: h.integrity.VerifyActivity(a)}
		if json.Valid(a.Properties) {
			view.Properties = a.Properties
		}
		views = append(views, view)
	}
	httpx.JSON(w, http.StatusOK, timelineResponse{Activities: views, Paging: result.Paging})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if len(req.IDs) == 0 || len(req.IDs) > maxVerifyIDs {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "ids must contain between 1 and 1000 entries")
		return
	}
	activities := make([]audit.Activity, 0, len(req.IDs))
	missing := []int64{}
	for _, id := range req.IDs {
		a, err := h.loader.Get(r.Context(), id)
		if errors.Is(err, shared.ErrNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			h.handleServerError(w, "load activity", err)
			return
		}
		activities = append(activities, a)
	}
	httpx.JSON(w, http.StatusOK, verifyResponse{
		Results: h.integrity.VerifyBatch(r.Context(), activities),
		Missing: missing,
	})
}

func (h *Handler) handleIntegrityCheck(w http.ResponseWriter, r *http.Request) {
	var opts audit.CheckOptions
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(w, r, &opts); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	report, err := h.integrity.PerformIntegrityCheck(r.Context(), opts)
	if err != nil {
		if errors.Is(err, shared.ErrConfiguration) {
			h.logger.Error("integrity check", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		h.handleServerError(w, "integrity check", err)
		return
	}
	h.recordAdminAction(r, "audit.integrity_check", "", map[string]any{
		"report_id":       report.ID,
		"invalid_records": report.InvalidRecords,
		"status":          report.Status,
	})
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a positive integer")
		return
	}
	sig, err := h.integrity.RegenerateSignature(r.Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrConfiguration) {
			httpx.RespondError(w, err)
			return
		}
		h.handleServerError(w, "regenerate signature", err)
		return
	}
	h.recordAdminAction(r, "audit.signature_regenerated", strconv.FormatInt(id, 10), nil)
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "signature": sig})
}

func (h *Handler) recordAdminAction(r *http.Request, event, subjectID string, props audit.Properties) {
	if h.recorder == nil {
		return
	}
	entry := audit.Entry{
		Type:       "update",
		Event:      event,
		Module:     "audit",
		SubjectID:  subjectID,
		Properties: props,
		IPAddress:  clientIP(r),
		UserAgent:  r.UserAgent(),
	}
	if subjectID != "" {
		entry.SubjectType = "activity"
	}
	if userID, ok := shared.UserIDFromContext(r.Context()); ok {
		entry.UserID = &userID
	}
	h.recorder.Log(r.Context(), entry)
}

func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	now := h.now().UTC()
	toStr := strings.TrimSpace(q.Get("to"))
	if toStr == "" {
		toStr = now.Format("2006-01-02")
	}
	toTime, err := time.Parse("2006-01-02", toStr)
	if err != nil {
		return audit.TimelineFilters{}, validationError("to")
	}
	toTime = toTime.Add(24 * time.Hour)
	fromStr := strings.TrimSpace(q.Get("from"))
	fromTime := toTime.Add(-defaultDateRange)
	if fromStr != "" {
		fromTime, err = time.Parse("2006-01-02", fromStr)
		if err != nil {
			return audit.TimelineFilters{}, validationError("from")
		}
	}
	if !fromTime.Before(toTime) || toTime.Sub(fromTime) > maxDateRangeHours*time.Hour {
		return audit.TimelineFilters{}, validationError("range")
	}

	page, err := positiveInt(q.Get("page"), 1)
	if err != nil {
		return audit.TimelineFilters{}, validationError("page")
	}
	pageSize, err := positiveInt(q.Get("page_size"), defaultPageSize)
	if err != nil {
		return audit.TimelineFilters{}, validationError("page_size")
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	var userID int64
	if v := strings.TrimSpace(q.Get("user_id")); v != "" {
		userID, err = strconv.ParseInt(v, 10, 64)
		if err != nil || userID <= 0 {
			return audit.TimelineFilters{}, validationError("user_id")
		}
	}
	return audit.TimelineFilters{
		From:     fromTime,
		To:       toTime,
		UserID:   userID,
		Module:   strings.TrimSpace(q.Get("module")),
		Event:    strings.TrimSpace(q.Get("event")),
		Result:   strings.TrimSpace(q.Get("result")),
		Page:     page,
		PageSize: pageSize,
	}, nil
}

func positiveInt(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, errors.New("not a positive integer")
	}
	return v, nil
}

func validationError(field string) error {
	return fmt.Errorf("audit: invalid %s: %w", field, shared.ErrValidation)
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (h *Handler) handleServerError(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, slog.Any("error", err))
	httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
}
