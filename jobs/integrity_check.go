package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/trustcore/internal/audit"
	jobmetrics "github.com/odyssey-erp/trustcore/internal/jobs"
	"github.com/odyssey-erp/trustcore/internal/shared"
)

// IntegrityChecker runs a full signature scan.
type IntegrityChecker interface {
	PerformIntegrityCheck(ctx context.Context, opts audit.CheckOptions) (audit.IntegrityReport, error)
}

// IntegrityCheckJob verifies the audit log on a schedule.
type IntegrityCheckJob struct {
	Checker IntegrityChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewIntegrityCheckJob constructs the job handler.
func NewIntegrityCheckJob(checker IntegrityChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityCheckJob {
	return &IntegrityCheckJob{
		Checker: checker,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the integrity check. Violations are logged and counted; the
// run itself only fails when the scan could not complete.
func (j *IntegrityCheckJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Checker == nil {
		return errors.New("integrity check: handler not configured")
	}
	var payload IntegrityCheckPayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}

	start := j.now()
	tracker := j.metrics().Track(TaskAuditIntegrityCheck)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	logger.Info("starting integrity check", slog.Int("limit", payload.Limit))

	report, err := j.Checker.PerformIntegrityCheck(ctx, audit.CheckOptions{BatchSize: payload.BatchSize, Limit: payload.Limit})
	if err != nil {
		logger.Error("integrity check failed", slog.Any("error", err))
		if errors.Is(err, shared.ErrConfiguration) {
			return fmt.Errorf("integrity check: %v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	j.metrics().AddIntegrityViolations("invalid", report.InvalidRecords)
	j.metrics().AddIntegrityViolations("missing", report.MissingSignatures)
	if report.InvalidRecords > 0 {
		logger.Warn("audit records failed verification",
			slog.String("report_id", report.ID),
			slog.Int("invalid_records", report.InvalidRecords),
			slog.Any("corrupted_records", report.CorruptedRecords),
		)
	}

	logger.Info("completed integrity check",
		slog.String("report_id", report.ID),
		slog.String("status", report.Status),
		slog.Int("total_checked", report.TotalChecked),
		slog.Duration("duration", j.now().Sub(start)),
	)
	if report.Status != audit.ReportCompleted {
		return fmt.Errorf("integrity check %s: scan incomplete after %d records", report.ID, report.TotalChecked)
	}
	return nil
}

func (j *IntegrityCheckJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuditIntegrityCheck))
	}
	return slog.Default().With(slog.String("job", TaskAuditIntegrityCheck))
}

func (j *IntegrityCheckJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *IntegrityCheckJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
