package security

import (
	"fmt"
	"sort"

	"github.com/odyssey-erp/trustcore/internal/audit"
)

func activityRecommendations(act audit.Activity, analysis Analysis) []string {
	var out []string
	seen := make(map[string]struct{})
	push := func(s string) {
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, ev := range analysis.SecurityEvents {
		switch ev.Type {
		case EventSuspiciousIP:
			push(fmt.Sprintf("Block or rate-limit IP %s", act.IPAddress))
		case EventLoginFailure:
			if act.UserID != nil {
				push(fmt.Sprintf("Require two-factor authentication for user %d", *act.UserID))
			}
		case EventDestructiveAction:
			push(fmt.Sprintf("Review destructive action %q on %s %s", act.Event, act.SubjectType, act.SubjectID))
		case EventPrivilegeChange:
			push("Confirm the privilege change was authorised")
		}
	}
	for _, a := range analysis.Anomalies {
		switch a {
		case AnomalyAutomatedUserAgent:
			push(fmt.Sprintf("Verify the automated client %q is expected", act.UserAgent))
		case AnomalyRepeatedFailures:
			push("Lock the account after repeated failed logins and notify its owner")
		case AnomalyInvalidIP:
			push("Check the proxy configuration: the recorded client address is not a valid IP")
		}
	}
	if analysis.RiskLevel >= LevelCritical {
		push(fmt.Sprintf("Escalate activity %d for immediate review", act.ID))
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func reportRecommendations(r Report, p Policy) []string {
	out := []string{}
	for _, ip := range r.SuspiciousIPs {
		if ip.Blocked {
			out = append(out, fmt.Sprintf("Investigate %d failed logins from blocked network address %s", ip.FailureCount, ip.IPAddress))
			continue
		}
		out = append(out, fmt.Sprintf("Lock IP %s after %d failed logins", ip.IPAddress, ip.FailureCount))
	}
	accounts := append([]AccountFailures(nil), r.FailedLogins.ByAccount...)
	sort.SliceStable(accounts, func(i, j int) bool { return accounts[i].Account < accounts[j].Account })
	for _, acc := range accounts {
		if acc.Count >= p.SuspiciousIPThreshold {
			out = append(out, fmt.Sprintf("Require two-factor authentication for %s (%d failed logins)", acc.Account, acc.Count))
		}
	}
	critical := 0
	for _, a := range r.TopRiskActivities {
		if a.RiskLevel >= LevelCritical {
			critical++
		}
	}
	if critical > 0 {
		out = append(out, fmt.Sprintf("Review %d critical-risk activities", critical))
	}
	if r.SkippedRecords > 0 {
		out = append(out, fmt.Sprintf("Investigate %d records that could not be analysed", r.SkippedRecords))
	}
	if r.Status == ReportIncomplete {
		out = append(out, "Re-run the report: the scan was interrupted")
	}
	return out
}
