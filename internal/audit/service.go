package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/trustcore/internal/shared"
)

// TimelineFilters holds the timeline query.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	UserID   int64
	Module   string
	Event    string
	Result   string
	Page     int
	PageSize int
}

// PagingInfo is simple pagination metadata.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result wraps one timeline page.
type Result struct {
	Rows   []Activity
	Paging PagingInfo
}

// Service serves administrative queries and retention over the activity store.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates the audit service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// Timeline returns a page of activities, newest first.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.store == nil {
		return Result{}, fmt.Errorf("audit: store not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	rows, err := s.store.List(ctx, ListFilter{
		From:   filters.From,
		To:     filters.To,
		UserID: filters.UserID,
		Module: filters.Module,
		Event:  filters.Event,
		Result: filters.Result,
		Offset: (page - 1) * pageSize,
		Limit:  pageSize + 1,
	})
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Cleanup deletes activities older than the retention period.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("audit: retention must be positive: %w", shared.ErrValidation)
	}
	cutoff := s.now().Add(-retention)
	removed, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: cleanup before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	s.logger.Info("audit retention cleanup", slog.Time("cutoff", cutoff), slog.Int64("removed", removed))
	return removed, nil
}
