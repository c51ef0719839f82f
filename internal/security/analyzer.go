package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/trustcore/internal/audit"
	"github.com/odyssey-erp/trustcore/internal/shared"
)

const (
	loginType          = "login"
	defaultReportRange = 24 * time.Hour
)

// Analyzer scores activities and aggregates failed-login patterns from the
// audit store. It is safe for concurrent use.
type Analyzer struct {
	store  audit.Store
	policy Policy
	logger *slog.Logger
	now    func() time.Time
	// reportCounter adapts the preloaded history used by report scans.
	reportCounter func(*history) failureCounter
}

var _ audit.RiskScorer = (*Analyzer)(nil)

// NewAnalyzer builds an Analyzer. Zero fields of policy take their defaults.
func NewAnalyzer(store audit.Store, policy Policy, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		store:         store,
		policy:        policy.normalized(),
		logger:        logger,
		now:           time.Now,
		reportCounter: func(h *history) failureCounter { return h },
	}
}

// Policy returns the effective policy.
func (a *Analyzer) Policy() Policy {
	return a.policy
}

// AnalyzeActivity scores a single activity. Failed-login counts are taken
// from the store over the suspicious-IP window ending at the activity time.
func (a *Analyzer) AnalyzeActivity(ctx context.Context, act audit.Activity) (Analysis, error) {
	return a.analyze(ctx, act, storeCounter{store: a.store, window: a.policy.SuspiciousIPWindow})
}

// Score returns the risk level for act. It satisfies audit.RiskScorer.
func (a *Analyzer) Score(ctx context.Context, act audit.Activity) (int, error) {
	analysis, err := a.AnalyzeActivity(ctx, act)
	if err != nil {
		return 0, err
	}
	return analysis.RiskLevel, nil
}

func (a *Analyzer) analyze(ctx context.Context, act audit.Activity, counter failureCounter) (result Analysis, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("security: analyze activity %d: panic: %v", act.ID, rec)
		}
	}()
	p := a.policy
	result = Analysis{
		ActivityID:      act.ID,
		SecurityEvents:  []SecurityEvent{},
		Anomalies:       []string{},
		Recommendations: []string{},
	}
	add := func(kind, description string, weight int) {
		result.SecurityEvents = append(result.SecurityEvents, SecurityEvent{Type: kind, Description: description, Weight: weight})
		result.RiskScore += weight
	}
	anomaly := func(kind string) {
		result.Anomalies = append(result.Anomalies, kind)
		result.RiskScore += p.Weights.Anomaly
	}
	pending := act.ID == 0
	failedLogin := isLogin(act) && act.Failed()

	if failedLogin {
		add(EventLoginFailure, "Failed login attempt", p.Weights.LoginFailure)
	}
	offHours := p.offHours(act.CreatedAt)
	if offHours {
		add(EventOffHours, fmt.Sprintf("Activity at %s outside business hours", act.CreatedAt.In(p.Location).Format("15:04")), p.Weights.OffHours)
	}

	suspicious := false
	if act.IPAddress != "" {
		addr, parseErr := netip.ParseAddr(act.IPAddress)
		if parseErr != nil {
			anomaly(AnomalyInvalidIP)
		} else if p.blocked(addr) {
			suspicious = true
			add(EventSuspiciousIP, fmt.Sprintf("IP %s is in a blocked network", act.IPAddress), p.Weights.SuspiciousIP)
		} else {
			failures, err := counter.ipFailures(ctx, act.IPAddress, act.CreatedAt)
			if err != nil {
				return Analysis{}, fmt.Errorf("security: count failures for %s: %w", act.IPAddress, err)
			}
			if pending && failedLogin {
				failures++
			}
			if failures >= p.SuspiciousIPThreshold {
				suspicious = true
				add(EventSuspiciousIP, fmt.Sprintf("IP %s has %d failed logins within %s", act.IPAddress, failures, p.SuspiciousIPWindow), p.Weights.SuspiciousIP)
			}
		}
	}

	if isDestructive(act) {
		weight := p.Weights.DestructiveAction
		description := fmt.Sprintf("Destructive action %q", act.Event)
		if offHours || suspicious {
			weight += p.Weights.DestructiveCompound
			description += " combined with other risk signals"
		}
		add(EventDestructiveAction, description, weight)
	}
	if isPrivilegeChange(act) {
		add(EventPrivilegeChange, fmt.Sprintf("Privilege change %q", act.Event), p.Weights.PrivilegeChange)
	}
	if act.Failed() && !failedLogin {
		add(EventFailedAction, fmt.Sprintf("Failed action %q", act.Event), p.Weights.FailedAction)
	}

	agent := strings.TrimSpace(act.UserAgent)
	if agent == "" && (act.UserID != nil || isLogin(act)) {
		anomaly(AnomalyMissingUserAgent)
	} else if agent != "" && automatedAgent(agent) {
		anomaly(AnomalyAutomatedUserAgent)
	}
	if failedLogin && act.UserID != nil {
		failures, err := counter.accountFailures(ctx, *act.UserID, act.CreatedAt)
		if err != nil {
			return Analysis{}, fmt.Errorf("security: count failures for user %d: %w", *act.UserID, err)
		}
		if pending {
			failures++
		}
		if failures >= p.SuspiciousIPThreshold {
			anomaly(AnomalyRepeatedFailures)
		}
	}

	result.RiskLevel = p.Level(result.RiskScore)
	result.RiskLevelName = LevelName(result.RiskLevel)
	result.Recommendations = activityRecommendations(act, result)
	return result, nil
}

// CheckSuspiciousIPs lists addresses whose failed logins within the
// suspicious-IP window ending now reach the threshold.
func (a *Analyzer) CheckSuspiciousIPs(ctx context.Context) ([]SuspiciousIP, error) {
	return a.suspiciousIPs(ctx, a.now(), 0)
}

func (a *Analyzer) suspiciousIPs(ctx context.Context, at time.Time, maxID int64) ([]SuspiciousIP, error) {
	type stats struct {
		SuspiciousIP
		accounts map[string]struct{}
	}
	byIP := make(map[string]*stats)
	err := a.scanFailedLogins(ctx, at.Add(-a.policy.SuspiciousIPWindow), at, maxID, func(act audit.Activity) {
		if act.IPAddress == "" {
			return
		}
		s, ok := byIP[act.IPAddress]
		if !ok {
			s = &stats{SuspiciousIP: SuspiciousIP{IPAddress: act.IPAddress, FirstSeen: act.CreatedAt, LastSeen: act.CreatedAt}, accounts: map[string]struct{}{}}
			byIP[act.IPAddress] = s
		}
		s.FailureCount++
		if act.CreatedAt.Before(s.FirstSeen) {
			s.FirstSeen = act.CreatedAt
		}
		if act.CreatedAt.After(s.LastSeen) {
			s.LastSeen = act.CreatedAt
		}
		if key := accountKey(act); key != "" {
			s.accounts[key] = struct{}{}
		}
	})
	if err != nil {
		return nil, err
	}
	out := make([]SuspiciousIP, 0)
	for ip, s := range byIP {
		if addr, err := netip.ParseAddr(ip); err == nil {
			s.Blocked = a.policy.blocked(addr)
		}
		if s.FailureCount < a.policy.SuspiciousIPThreshold && !s.Blocked {
			continue
		}
		s.DistinctUsers = len(s.accounts)
		out = append(out, s.SuspiciousIP)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailureCount != out[j].FailureCount {
			return out[i].FailureCount > out[j].FailureCount
		}
		return out[i].IPAddress < out[j].IPAddress
	})
	return out, nil
}

// MonitorFailedLogins aggregates failed logins over the failed-login window
// ending now.
func (a *Analyzer) MonitorFailedLogins(ctx context.Context) (FailedLoginSummary, error) {
	return a.failedLogins(ctx, a.now(), 0)
}

func (a *Analyzer) failedLogins(ctx context.Context, at time.Time, maxID int64) (FailedLoginSummary, error) {
	summary := FailedLoginSummary{
		TimeRange: TimeRange{From: at.Add(-a.policy.FailedLoginWindow), To: at},
		ByIP:      []IPFailures{},
		ByAccount: []AccountFailures{},
	}
	byIP := make(map[string]int)
	byAccount := make(map[string]int)
	err := a.scanFailedLogins(ctx, summary.TimeRange.From, summary.TimeRange.To, maxID, func(act audit.Activity) {
		summary.TotalFailures++
		ip := act.IPAddress
		if ip == "" {
			ip = "unknown"
		}
		byIP[ip]++
		if key := accountKey(act); key != "" {
			byAccount[key]++
		}
	})
	if err != nil {
		return FailedLoginSummary{}, err
	}
	suspicious, err := a.suspiciousIPs(ctx, at, maxID)
	if err != nil {
		return FailedLoginSummary{}, err
	}
	flagged := make(map[string]struct{}, len(suspicious))
	for _, s := range suspicious {
		flagged[s.IPAddress] = struct{}{}
	}
	for ip, n := range byIP {
		_, isSuspicious := flagged[ip]
		summary.ByIP = append(summary.ByIP, IPFailures{IPAddress: ip, Count: n, Suspicious: isSuspicious})
	}
	for account, n := range byAccount {
		summary.ByAccount = append(summary.ByAccount, AccountFailures{Account: account, Count: n})
	}
	sort.Slice(summary.ByIP, func(i, j int) bool {
		if summary.ByIP[i].Count != summary.ByIP[j].Count {
			return summary.ByIP[i].Count > summary.ByIP[j].Count
		}
		return summary.ByIP[i].IPAddress < summary.ByIP[j].IPAddress
	})
	sort.Slice(summary.ByAccount, func(i, j int) bool {
		if summary.ByAccount[i].Count != summary.ByAccount[j].Count {
			return summary.ByAccount[i].Count > summary.ByAccount[j].Count
		}
		return summary.ByAccount[i].Account < summary.ByAccount[j].Account
	})
	return summary, nil
}

// GenerateSecurityReport analyses every activity in tr. A zero To means now
// and a zero From means one day before To. The id bound is fixed at start, so
// activity appended during the scan is excluded. Records that cannot be
// scored are counted in SkippedRecords. A cancelled scan returns the partial
// report with status incomplete.
func (a *Analyzer) GenerateSecurityReport(ctx context.Context, tr TimeRange) (Report, error) {
	now := a.now()
	if tr.To.IsZero() {
		tr.To = now
	}
	if tr.From.IsZero() {
		tr.From = tr.To.Add(-defaultReportRange)
	}
	if !tr.From.Before(tr.To) {
		return Report{}, fmt.Errorf("security: report range start must precede end: %w", shared.ErrValidation)
	}
	report := Report{
		ID:                uuid.NewString(),
		Status:            ReportCompleted,
		TimeRange:         tr,
		GeneratedAt:       now,
		TopRiskActivities: []Analysis{},
		SuspiciousIPs:     []SuspiciousIP{},
		FailedLogins:      FailedLoginSummary{ByIP: []IPFailures{}, ByAccount: []AccountFailures{}},
		Recommendations:   []string{},
	}
	incomplete := func(err error) (Report, error) {
		if ctx.Err() != nil {
			report.Status = ReportIncomplete
			report.Recommendations = reportRecommendations(report, a.policy)
			return report, nil
		}
		return Report{}, err
	}

	maxID, err := a.store.MaxID(ctx)
	if err != nil {
		return incomplete(fmt.Errorf("security: report bounds: %w", err))
	}
	history, err := a.loadHistory(ctx, tr.From.Add(-a.policy.SuspiciousIPWindow), tr.To, maxID)
	if err != nil {
		return incomplete(err)
	}
	counter := a.reportCounter(history)

	var cursor int64
	for {
		if ctx.Err() != nil {
			return incomplete(ctx.Err())
		}
		page, err := a.store.Scan(ctx, audit.ScanFilter{From: tr.From, To: tr.To, AfterID: cursor, MaxID: maxID, Limit: a.policy.ScanBatchSize})
		if err != nil {
			return incomplete(fmt.Errorf("security: report scan after %d: %w", cursor, err))
		}
		for _, act := range page {
			report.TotalActivities++
			analysis, err := a.analyze(ctx, act, counter)
			if err != nil {
				report.SkippedRecords++
				a.logger.Warn("security analysis skipped record", slog.Int64("activity_id", act.ID), slog.Any("error", err))
				continue
			}
			report.TopRiskActivities = append(report.TopRiskActivities, analysis)
		}
		report.TopRiskActivities = topRisk(report.TopRiskActivities, a.policy.TopRiskLimit)
		if len(page) < a.policy.ScanBatchSize {
			break
		}
		cursor = page[len(page)-1].ID
	}

	if report.SuspiciousIPs, err = a.suspiciousIPs(ctx, tr.To, maxID); err != nil {
		return incomplete(err)
	}
	if report.FailedLogins, err = a.failedLogins(ctx, tr.To, maxID); err != nil {
		return incomplete(err)
	}
	report.Recommendations = reportRecommendations(report, a.policy)
	a.logger.Info("security report generated",
		slog.String("report_id", report.ID),
		slog.Int("total_activities", report.TotalActivities),
		slog.Int("suspicious_ips", len(report.SuspiciousIPs)),
		slog.Int("skipped_records", report.SkippedRecords),
	)
	return report, nil
}

func (a *Analyzer) scanFailedLogins(ctx context.Context, from, to time.Time, maxID int64, fn func(audit.Activity)) error {
	if a.store == nil {
		return errors.New("security: store not configured")
	}
	var cursor int64
	for {
		page, err := a.store.Scan(ctx, audit.ScanFilter{
			Type:    loginType,
			Result:  audit.ResultFailed,
			From:    from,
			To:      to,
			AfterID: cursor,
			MaxID:   maxID,
			Limit:   a.policy.ScanBatchSize,
		})
		if err != nil {
			return fmt.Errorf("security: scan failed logins: %w", err)
		}
		for _, act := range page {
			fn(act)
		}
		if len(page) < a.policy.ScanBatchSize {
			return nil
		}
		cursor = page[len(page)-1].ID
	}
}

func (a *Analyzer) loadHistory(ctx context.Context, from, to time.Time, maxID int64) (*history, error) {
	h := &history{window: a.policy.SuspiciousIPWindow, byIP: map[string][]time.Time{}, byUser: map[int64][]time.Time{}}
	err := a.scanFailedLogins(ctx, from, to, maxID, func(act audit.Activity) {
		if act.IPAddress != "" {
			h.byIP[act.IPAddress] = append(h.byIP[act.IPAddress], act.CreatedAt)
		}
		if act.UserID != nil {
			h.byUser[*act.UserID] = append(h.byUser[*act.UserID], act.CreatedAt)
		}
	})
	if err != nil {
		return nil, err
	}
	for _, times := range h.byIP {
		sortTimes(times)
	}
	for _, times := range h.byUser {
		sortTimes(times)
	}
	return h, nil
}

func topRisk(in []Analysis, limit int) []Analysis {
	sort.SliceStable(in, func(i, j int) bool {
		if in[i].RiskScore != in[j].RiskScore {
			return in[i].RiskScore > in[j].RiskScore
		}
		return in[i].ActivityID < in[j].ActivityID
	})
	if len(in) > limit {
		in = in[:limit]
	}
	return in
}

// isLogin matches the store filters exactly; the recorder lowercases types.
func isLogin(act audit.Activity) bool {
	return act.Type == loginType
}

var destructiveWords = map[string]struct{}{
	"delete": {}, "deleted": {}, "destroy": {}, "destroyed": {}, "purge": {}, "purged": {},
	"truncate": {}, "truncated": {}, "wipe": {}, "bulk": {},
}

func isDestructive(act audit.Activity) bool {
	for _, token := range tokens(act.Type + " " + act.Event) {
		if _, ok := destructiveWords[token]; ok {
			return true
		}
	}
	return false
}

var privilegeModules = map[string]struct{}{"rbac": {}, "roles": {}, "permissions": {}}

func isPrivilegeChange(act audit.Activity) bool {
	if strings.EqualFold(act.Type, "view") {
		return false
	}
	if _, ok := privilegeModules[strings.ToLower(act.Module)]; ok {
		return true
	}
	return strings.HasPrefix(strings.ToLower(act.Event), "rbac.")
}

var automatedAgents = []string{"curl", "wget", "python-requests", "go-http-client", "httpclient", "scrapy", "bot", "spider", "crawler", "headless"}

func automatedAgent(agent string) bool {
	lower := strings.ToLower(agent)
	for _, marker := range automatedAgents {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == ':' || r == ' ' || r == '/'
	})
}

func accountKey(act audit.Activity) string {
	if act.UserID != nil {
		return "user:" + strconv.FormatInt(*act.UserID, 10)
	}
	props, err := act.DecodeProperties()
	if err != nil {
		return ""
	}
	for _, key := range []string{"username", "email", "login"} {
		if v, ok := props[key].(string); ok && strings.TrimSpace(v) != "" {
			return "username:" + strings.ToLower(strings.TrimSpace(v))
		}
	}
	return ""
}
