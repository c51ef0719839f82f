package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/trustcore/internal/jobs"
	"github.com/odyssey-erp/trustcore/internal/security"
)

const defaultScanWindow = 24 * time.Hour

// ReportGenerator builds security reports.
type ReportGenerator interface {
	GenerateSecurityReport(ctx context.Context, tr security.TimeRange) (security.Report, error)
}

// SecurityScanJob produces a security report over the trailing window and
// logs its findings.
type SecurityScanJob struct {
	Analyzer ReportGenerator
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewSecurityScanJob constructs the job handler.
func NewSecurityScanJob(analyzer ReportGenerator, logger *slog.Logger, metrics *jobmetrics.Metrics) *SecurityScanJob {
	return &SecurityScanJob{
		Analyzer: analyzer,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the scan.
func (j *SecurityScanJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Analyzer == nil {
		return errors.New("security scan: handler not configured")
	}
	var payload SecurityScanPayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}
	window := defaultScanWindow
	if payload.WindowHours > 0 {
		window = time.Duration(payload.WindowHours) * time.Hour
	}

	tracker := j.metrics().Track(TaskSecurityScan)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	now := j.now()
	logger := j.logger().With(slog.Duration("window", window))
	logger.Info("starting security scan")

	report, err := j.Analyzer.GenerateSecurityReport(ctx, security.TimeRange{From: now.Add(-window), To: now})
	if err != nil {
		logger.Error("security scan failed", slog.Any("error", err))
		return err
	}

	for _, ip := range report.SuspiciousIPs {
		logger.Warn("suspicious ip",
			slog.String("ip_address", ip.IPAddress),
			slog.Int("failures", ip.FailureCount),
			slog.Int("distinct_users", ip.DistinctUsers),
			slog.Bool("blocked", ip.Blocked),
		)
	}
	critical := 0
	for _, a := range report.TopRiskActivities {
		if a.RiskLevel >= security.LevelCritical {
			critical++
			logger.Warn("critical activity", slog.Int64("activity_id", a.ActivityID), slog.Int("risk_score", a.RiskScore))
		}
	}
	j.metrics().AddSecurityFlags("suspicious_ip", len(report.SuspiciousIPs))
	j.metrics().AddSecurityFlags("critical_activity", critical)

	logger.Info("completed security scan",
		slog.String("report_id", report.ID),
		slog.String("status", report.Status),
		slog.Int("activities", report.TotalActivities),
		slog.Int("failed_logins", report.FailedLogins.TotalFailures),
	)
	if report.Status != security.ReportCompleted {
		return fmt.Errorf("security scan %s: report incomplete", report.ID)
	}
	return nil
}

func (j *SecurityScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSecurityScan))
	}
	return slog.Default().With(slog.String("job", TaskSecurityScan))
}

func (j *SecurityScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SecurityScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
