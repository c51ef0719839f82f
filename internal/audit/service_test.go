package audit

import (
	"context"
	"testing"
	"time"
)

func TestServiceTimelinePaging(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if _, err := store.Insert(context.Background(), Activity{Type: "update", Event: "e", Module: "users", CreatedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	svc := NewService(store, nil)
	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(result.Rows))
	}
	if !result.Paging.HasNext || result.Paging.NextPage != 2 {
		t.Fatalf("unexpected paging %+v", result.Paging)
	}
	if result.Rows[0].ID != 5 {
		t.Fatalf("expected newest first, got id %d", result.Rows[0].ID)
	}

	last, err := svc.Timeline(context.Background(), TimelineFilters{Page: 3, PageSize: 2})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(last.Rows) != 1 || last.Paging.HasNext || last.Paging.PrevPage != 2 {
		t.Fatalf("unexpected last page %+v", last.Paging)
	}
}

func TestServiceTimelineFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	_, _ = store.Insert(ctx, Activity{Event: "a", Module: "rbac", UserID: int64Ptr(1), CreatedAt: now})
	_, _ = store.Insert(ctx, Activity{Event: "b", Module: "auth", UserID: int64Ptr(2), CreatedAt: now})
	_, _ = store.Insert(ctx, Activity{Event: "c", Module: "rbac", CreatedAt: now.Add(-48 * time.Hour)})

	svc := NewService(store, nil)
	result, err := svc.Timeline(ctx, TimelineFilters{Module: "rbac", From: now.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0].Event != "a" {
		t.Fatalf("unexpected rows %+v", result.Rows)
	}
	result, _ = svc.Timeline(ctx, TimelineFilters{UserID: 2})
	if len(result.Rows) != 1 || result.Rows[0].Event != "b" {
		t.Fatalf("unexpected rows for user filter %+v", result.Rows)
	}
}

func TestServiceCleanup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	_, _ = store.Insert(ctx, Activity{Event: "old", CreatedAt: now.Add(-100 * 24 * time.Hour)})
	_, _ = store.Insert(ctx, Activity{Event: "new", CreatedAt: now.Add(-time.Hour)})

	svc := NewService(store, nil)
	svc.now = func() time.Time { return now }
	removed, err := svc.Cleanup(ctx, 90*24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := svc.Cleanup(ctx, 0); err == nil {
		t.Fatalf("expected validation error for zero retention")
	}
}
