package security

import "time"

// Signal and anomaly identifiers.
const (
	EventLoginFailure      = "login_failure"
	EventOffHours          = "off_hours_activity"
	EventSuspiciousIP      = "suspicious_ip"
	EventDestructiveAction = "destructive_action"
	EventPrivilegeChange   = "privilege_change"
	EventFailedAction      = "failed_action"

	AnomalyMissingUserAgent   = "missing_user_agent"
	AnomalyAutomatedUserAgent = "automated_user_agent"
	AnomalyInvalidIP          = "invalid_ip"
	AnomalyRepeatedFailures   = "repeated_failures"
)

// Report statuses.
const (
	ReportCompleted  = "completed"
	ReportIncomplete = "incomplete"
)

// SecurityEvent is one matched signal.
type SecurityEvent struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Weight      int    `json:"weight"`
}

// Analysis is the risk assessment of a single activity.
type Analysis struct {
	ActivityID      int64           `json:"activity_id"`
	RiskScore       int             `json:"risk_score"`
	RiskLevel       int             `json:"risk_level"`
	RiskLevelName   string          `json:"risk_level_name"`
	SecurityEvents  []SecurityEvent `json:"security_events"`
	Anomalies       []string        `json:"anomalies"`
	Recommendations []string        `json:"recommendations"`
}

// SuspiciousIP is an address whose failed logins reached the policy threshold.
type SuspiciousIP struct {
	IPAddress     string    `json:"ip_address"`
	FailureCount  int       `json:"failure_count"`
	DistinctUsers int       `json:"distinct_users"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	Blocked       bool      `json:"blocked"`
}

// IPFailures counts failed logins of one address.
type IPFailures struct {
	IPAddress  string `json:"ip_address"`
	Count      int    `json:"count"`
	Suspicious bool   `json:"suspicious"`
}

// AccountFailures counts failed logins targeting one account, identified by
// user id or by the attempted username.
type AccountFailures struct {
	Account string `json:"account"`
	Count   int    `json:"count"`
}

// FailedLoginSummary aggregates failed logins over a window.
type FailedLoginSummary struct {
	TimeRange     TimeRange         `json:"time_range"`
	TotalFailures int               `json:"total_failures"`
	ByIP          []IPFailures      `json:"by_ip"`
	ByAccount     []AccountFailures `json:"by_account"`
}

// TimeRange is a half-open interval [From, To).
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Report is a point-in-time security summary.
type Report struct {
	ID                string             `json:"id"`
	Status            string             `json:"status"`
	TimeRange         TimeRange          `json:"time_range"`
	GeneratedAt       time.Time          `json:"generated_at"`
	TotalActivities   int                `json:"total_activities"`
	TopRiskActivities []Analysis         `json:"top_risk_activities"`
	SuspiciousIPs     []SuspiciousIP     `json:"suspicious_ips"`
	FailedLogins      FailedLoginSummary `json:"failed_logins"`
	Recommendations   []string           `json:"recommendations"`
	SkippedRecords    int                `json:"skipped_records"`
}
