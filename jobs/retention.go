package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/trustcore/internal/jobs"
)

// Cleaner deletes old audit activities.
type Cleaner interface {
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// RetentionJob enforces the audit retention period.
type RetentionJob struct {
	Cleaner   Cleaner
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewRetentionJob constructs the job handler.
func NewRetentionJob(cleaner Cleaner, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *RetentionJob {
	return &RetentionJob{Cleaner: cleaner, Retention: retention, Logger: logger, Metrics: metrics}
}

// Handle deletes expired activities. A zero retention disables the job.
func (j *RetentionJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Cleaner == nil {
		return errors.New("audit retention: handler not configured")
	}
	var payload RetentionPayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}
	retention := j.Retention
	if payload.RetentionDays > 0 {
		retention = time.Duration(payload.RetentionDays) * 24 * time.Hour
	}
	logger := j.logger()
	if retention <= 0 {
		logger.Info("audit retention disabled")
		return nil
	}

	tracker := j.metrics().Track(TaskAuditRetention)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	removed, err := j.Cleaner.Cleanup(ctx, retention)
	if err != nil {
		logger.Error("audit retention failed", slog.Any("error", err))
		return fmt.Errorf("audit retention: %w", err)
	}
	logger.Info("audit retention completed", slog.Int64("removed", removed), slog.Duration("retention", retention))
	return nil
}

func (j *RetentionJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuditRetention))
	}
	return slog.Default().With(slog.String("job", TaskAuditRetention))
}

func (j *RetentionJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
