package audit

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/trustcore/internal/shared"
)

// ScanFilter selects activities for batch scans. Results are ordered by ID
// ascending. Zero values disable a condition; From is inclusive, To exclusive.
type ScanFilter struct {
	From      time.Time
	To        time.Time
	Type      string
	Result    string
	IPAddress string
	UserID    int64
	AfterID   int64
	MaxID     int64
	Limit     int
}

// ListFilter selects activities for the administrative timeline, newest first.
type ListFilter struct {
	From   time.Time
	To     time.Time
	UserID int64
	Module string
	Event  string
	Result string
	Offset int
	Limit  int
}

// Store persists activities.
type Store interface {
	Insert(ctx context.Context, a Activity) (Activity, error)
	Get(ctx context.Context, id int64) (Activity, error)
	Scan(ctx context.Context, filter ScanFilter) ([]Activity, error)
	Count(ctx context.Context, filter ScanFilter) (int, error)
	List(ctx context.Context, filter ListFilter) ([]Activity, error)
	MaxID(ctx context.Context) (int64, error)
	UpdateSignature(ctx context.Context, id int64, signature string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	rows   []Activity
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(ctx context.Context, a Activity) (Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a.ID = s.nextID
	s.rows = append(s.rows, cloneActivity(a))
	return cloneActivity(a), nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i, ok := s.indexLocked(id); ok {
		return cloneActivity(s.rows[i]), nil
	}
	return Activity{}, shared.ErrNotFound
}

func (s *MemoryStore) Scan(ctx context.Context, filter ScanFilter) ([]Activity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Activity
	for _, a := range s.rows {
		if !matchScan(a, filter) {
			continue
		}
		out = append(out, cloneActivity(a))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context, filter ScanFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.rows {
		if matchScan(a, filter) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]Activity, error) {
	s.mu.RLock()
	matched := make([]Activity, 0)
	for _, a := range s.rows {
		if matchList(a, filter) {
			matched = append(matched, cloneActivity(a))
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) MaxID(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.rows) == 0 {
		return 0, nil
	}
	return s.rows[len(s.rows)-1].ID, nil
}

func (s *MemoryStore) UpdateSignature(ctx context.Context, id int64, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.indexLocked(id)
	if !ok {
		return shared.ErrNotFound
	}
	s.rows[i].Signature = signature
	return nil
}

func (s *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rows[:0]
	var removed int64
	for _, a := range s.rows {
		if a.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	s.rows = kept
	return removed, nil
}

func (s *MemoryStore) indexLocked(id int64) (int, bool) {
	i := sort.Search(len(s.rows), func(i int) bool { return s.rows[i].ID >= id })
	if i < len(s.rows) && s.rows[i].ID == id {
		return i, true
	}
	return 0, false
}

func matchScan(a Activity, f ScanFilter) bool {
	switch {
	case f.AfterID > 0 && a.ID <= f.AfterID:
		return false
	case f.MaxID > 0 && a.ID > f.MaxID:
		return false
	case !f.From.IsZero() && a.CreatedAt.Before(f.From):
		return false
	case !f.To.IsZero() && !a.CreatedAt.Before(f.To):
		return false
	case f.Type != "" && a.Type != f.Type:
		return false
	case f.Result != "" && a.Result != f.Result:
		return false
	case f.IPAddress != "" && a.IPAddress != f.IPAddress:
		return false
	case f.UserID > 0 && (a.UserID == nil || *a.UserID != f.UserID):
		return false
	}
	return true
}

func matchList(a Activity, f ListFilter) bool {
	switch {
	case !f.From.IsZero() && a.CreatedAt.Before(f.From):
		return false
	case !f.To.IsZero() && !a.CreatedAt.Before(f.To):
		return false
	case f.UserID > 0 && (a.UserID == nil || *a.UserID != f.UserID):
		return false
	case f.Module != "" && a.Module != f.Module:
		return false
	case f.Event != "" && a.Event != f.Event:
		return false
	case f.Result != "" && a.Result != f.Result:
		return false
	}
	return true
}

func cloneActivity(a Activity) Activity {
	if a.UserID != nil {
		id := *a.UserID
		a.UserID = &id
	}
	if a.Properties != nil {
		a.Properties = append(json.RawMessage(nil), a.Properties...)
	}
	return a
}
