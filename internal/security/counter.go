package security

import (
	"context"
	"sort"
	"time"

	"github.com/odyssey-erp/trustcore/internal/audit"
)

// failureCounter counts failed logins in the window ending at a given time.
type failureCounter interface {
	ipFailures(ctx context.Context, ip string, at time.Time) (int, error)
	accountFailures(ctx context.Context, userID int64, at time.Time) (int, error)
}

// storeCounter queries the store for each lookup.
type storeCounter struct {
	store  audit.Store
	window time.Duration
}

func (c storeCounter) ipFailures(ctx context.Context, ip string, at time.Time) (int, error) {
	return c.store.Count(ctx, c.filter(at, audit.ScanFilter{IPAddress: ip}))
}

func (c storeCounter) accountFailures(ctx context.Context, userID int64, at time.Time) (int, error) {
	return c.store.Count(ctx, c.filter(at, audit.ScanFilter{UserID: userID}))
}

// filter selects failed logins in [at-window, at].
func (c storeCounter) filter(at time.Time, f audit.ScanFilter) audit.ScanFilter {
	f.Type = loginType
	f.Result = audit.ResultFailed
	f.From = at.Add(-c.window)
	f.To = at.Add(time.Microsecond)
	return f
}

// history answers the same questions from failed logins preloaded for a
// report, keeping a scan to one pass over the store.
type history struct {
	window time.Duration
	byIP   map[string][]time.Time
	byUser map[int64][]time.Time
}

func (h *history) ipFailures(_ context.Context, ip string, at time.Time) (int, error) {
	return countWithin(h.byIP[ip], at.Add(-h.window), at), nil
}

func (h *history) accountFailures(_ context.Context, userID int64, at time.Time) (int, error) {
	return countWithin(h.byUser[userID], at.Add(-h.window), at), nil
}

// countWithin counts sorted times in [from, to].
func countWithin(times []time.Time, from, to time.Time) int {
	lo := sort.Search(len(times), func(i int) bool { return !times[i].Before(from) })
	hi := sort.Search(len(times), func(i int) bool { return times[i].After(to) })
	if hi < lo {
		return 0
	}
	return hi - lo
}

func sortTimes(times []time.Time) {
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
}
