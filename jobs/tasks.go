package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries integrity checks, which must not wait behind retention.
	QueueCritical = "critical"

	// TaskAuditIntegrityCheck verifies every stored audit signature.
	TaskAuditIntegrityCheck = "audit:integrity_check"
	// TaskSecurityScan builds a security report over a trailing window.
	TaskSecurityScan = "security:scan"
	// TaskAuditRetention deletes activities older than the retention period.
	TaskAuditRetention = "audit:retention"
)

// IntegrityCheckPayload tunes a scheduled integrity check. Zero values use the
// service defaults.
type IntegrityCheckPayload struct {
	BatchSize int `json:"batch_size,omitempty"`
	Limit     int `json:"limit,omitempty"`
}

// SecurityScanPayload selects the trailing window of a security scan.
type SecurityScanPayload struct {
	WindowHours int `json:"window_hours,omitempty"`
}

// RetentionPayload overrides the configured retention.
type RetentionPayload struct {
	RetentionDays int `json:"retention_days,omitempty"`
}

// NewIntegrityCheckTask constructs an integrity check task.
func NewIntegrityCheckTask(payload IntegrityCheckPayload) (*asynq.Task, error) {
	return newTask(TaskAuditIntegrityCheck, payload, asynq.Queue(QueueCritical))
}

// NewSecurityScanTask constructs a security scan task.
func NewSecurityScanTask(payload SecurityScanPayload) (*asynq.Task, error) {
	return newTask(TaskSecurityScan, payload, asynq.Queue(QueueDefault))
}

// NewRetentionTask constructs a retention cleanup task.
func NewRetentionTask(payload RetentionPayload) (*asynq.Task, error) {
	return newTask(TaskAuditRetention, payload, asynq.Queue(QueueDefault))
}

// NewTaskByName builds a task with an empty payload for the given type. It is
// used by the CLI to trigger jobs on demand.
func NewTaskByName(name string) (*asynq.Task, error) {
	switch name {
	case TaskAuditIntegrityCheck:
		return NewIntegrityCheckTask(IntegrityCheckPayload{})
	case TaskSecurityScan:
		return NewSecurityScanTask(SecurityScanPayload{})
	case TaskAuditRetention:
		return NewRetentionTask(RetentionPayload{})
	default:
		return nil, fmt.Errorf("jobs: unknown task %q", name)
	}
}

// TaskNames lists the task types handled by the worker.
func TaskNames() []string {
	return []string{TaskAuditIntegrityCheck, TaskSecurityScan, TaskAuditRetention}
}

func newTask(name string, payload any, opts ...asynq.Option) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(name, body, opts...), nil
}

// decodePayload unmarshals a task payload. An empty payload leaves dst at its
// zero value.
func decodePayload(t *asynq.Task, dst any) error {
	if len(t.Payload()) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload(), dst); err != nil {
		return fmt.Errorf("jobs: decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}
