package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/trustcore/internal/shared"
)

const (
	defaultBatchSize = 500
	maxBatchSize     = 5000
)

// CheckOptions tunes PerformIntegrityCheck. Zero values use service defaults;
// Limit caps the number of records checked, zero meaning all.
type CheckOptions struct {
	BatchSize int `json:"batch_size"`
	Limit     int `json:"limit"`
	Workers   int `json:"workers"`
}

// IntegrityReport summarises one integrity scan.
type IntegrityReport struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"`
	TotalChecked      int       `json:"total_checked"`
	ValidRecords      int       `json:"valid_records"`
	InvalidRecords    int       `json:"invalid_records"`
	MissingSignatures int       `json:"missing_signatures"`
	CorruptedRecords  []int64   `json:"corrupted_records"`
	ExecutionTime     float64   `json:"execution_time"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
}

// IntegrityService signs and verifies activity records.
type IntegrityService struct {
	store     Store
	signer    *Signer
	logger    *slog.Logger
	workers   int
	batchSize int
	now       func() time.Time
}

// IntegrityConfig collects dependencies for NewIntegrityService.
type IntegrityConfig struct {
	Store     Store
	Signer    *Signer
	Logger    *slog.Logger
	Workers   int
	BatchSize int
}

// NewIntegrityService builds the service.
func NewIntegrityService(cfg IntegrityConfig) *IntegrityService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &IntegrityService{
		store:     cfg.Store,
		signer:    cfg.Signer,
		logger:    logger,
		workers:   workers,
		batchSize: batch,
		now:       time.Now,
	}
}

// GenerateSignature signs the given fields with the current version.
func (s *IntegrityService) GenerateSignature(f Fields) (string, error) {
	return s.signer.Sign(f)
}

// VerifyActivity reports whether the stored signature matches the record.
func (s *IntegrityService) VerifyActivity(a Activity) bool {
	return s.classify(a) == StatusValid
}

func (s *IntegrityService) classify(a Activity) (status Status) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("audit verify panic", slog.Int64("activity_id", a.ID), slog.Any("panic", rec))
			status = StatusInvalid
		}
	}()
	if a.Signature == "" {
		return StatusMissingSignature
	}
	if !s.signer.Verify(a.Fields(), a.Signature) {
		return StatusInvalid
	}
	return StatusValid
}

// VerifyBatch verifies activities concurrently. Each record is judged on its
// own; records not reached before ctx is cancelled are reported false.
func (s *IntegrityService) VerifyBatch(ctx context.Context, activities []Activity) map[int64]bool {
	statuses := s.classifyAll(ctx, activities, s.workers)
	results := make(map[int64]bool, len(activities))
	for i, a := range activities {
		results[a.ID] = statuses[i] == StatusValid
	}
	return results
}

func (s *IntegrityService) classifyAll(ctx context.Context, activities []Activity, workers int) []Status {
	statuses := make([]Status, len(activities))
	for i := range statuses {
		statuses[i] = statusUnchecked
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range activities {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			statuses[i] = s.classify(activities[i])
			return nil
		})
	}
	_ = g.Wait()
	return statuses
}

// DetectTamperingAttempt reports whether any signed field differs from the
// snapshot captured earlier.
func (s *IntegrityService) DetectTamperingAttempt(a Activity, snapshot Fields) bool {
	return len(ChangedFields(a, snapshot)) > 0
}

// ChangedFields lists the signed fields of a that differ from snapshot, in
// canonical order.
func ChangedFields(a Activity, snapshot Fields) []string {
	live := a.Fields()
	var changed []string
	check := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
		}
	}
	check("type", live.Type != snapshot.Type)
	check("event", live.Event != snapshot.Event)
	check("description", live.Description != snapshot.Description)
	check("module", live.Module != snapshot.Module)
	check("user_id", !sameUserID(live.UserID, snapshot.UserID))
	check("subject_type", live.SubjectType != snapshot.SubjectType)
	check("subject_id", live.SubjectID != snapshot.SubjectID)
	check("properties", !sameProperties(live.Properties, snapshot.Properties))
	check("ip_address", live.IPAddress != snapshot.IPAddress)
	check("user_agent", live.UserAgent != snapshot.UserAgent)
	check("result", live.Result != snapshot.Result)
	check("risk_level", live.RiskLevel != snapshot.RiskLevel)
	check("created_at", canonicalTime(live.CreatedAt) != canonicalTime(snapshot.CreatedAt))
	return changed
}

func sameUserID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// sameProperties compares payloads by canonical form, falling back to raw
// bytes when either side is malformed.
func sameProperties(a, b []byte) bool {
	ca, errA := canonicalProperties(a)
	cb, errB := canonicalProperties(b)
	if errA != nil || errB != nil {
		return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	return bytes.Equal(ca, cb)
}

// PerformIntegrityCheck scans the store in id order and classifies every
// record. The upper id bound is fixed when the scan starts, so records
// appended during the scan are not included. A cancelled scan returns the
// partial report with status incomplete. Without a signing key nothing is
// scanned and a ConfigurationError is returned.
func (s *IntegrityService) PerformIntegrityCheck(ctx context.Context, opts CheckOptions) (IntegrityReport, error) {
	started := s.now()
	report := IntegrityReport{
		ID:               uuid.NewString(),
		Status:           ReportCompleted,
		CorruptedRecords: []int64{},
		StartedAt:        started,
	}
	finish := func() IntegrityReport {
		report.FinishedAt = s.now()
		report.ExecutionTime = report.FinishedAt.Sub(started).Seconds()
		return report
	}
	if s.store == nil {
		return finish(), errors.New("audit: store not configured")
	}
	if !s.signer.Configured() {
		return finish(), &shared.ConfigurationError{Setting: "AUDIT_SIGNING_KEY", Reason: "signing key not configured"}
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = s.batchSize
	}
	if batch > maxBatchSize {
		batch = maxBatchSize
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = s.workers
	}

	maxID, err := s.store.MaxID(ctx)
	if err != nil {
		if ctx.Err() != nil {
			report.Status = ReportIncomplete
			return finish(), nil
		}
		return finish(), fmt.Errorf("audit: integrity check bounds: %w", err)
	}

	var cursor int64
	for cursor < maxID {
		if ctx.Err() != nil {
			report.Status = ReportIncomplete
			break
		}
		limit := batch
		if opts.Limit > 0 {
			remaining := opts.Limit - report.TotalChecked
			if remaining <= 0 {
				break
			}
			if remaining < limit {
				limit = remaining
			}
		}
		page, err := s.store.Scan(ctx, ScanFilter{AfterID: cursor, MaxID: maxID, Limit: limit})
		if err != nil {
			if ctx.Err() != nil {
				report.Status = ReportIncomplete
				break
			}
			return finish(), fmt.Errorf("audit: integrity check scan after %d: %w", cursor, err)
		}
		if len(page) == 0 {
			break
		}
		statuses := s.classifyAll(ctx, page, workers)
		for i, status := range statuses {
			switch status {
			case StatusValid:
				report.ValidRecords++
			case StatusInvalid:
				report.InvalidRecords++
				report.CorruptedRecords = append(report.CorruptedRecords, page[i].ID)
			case StatusMissingSignature:
				report.MissingSignatures++
			default:
				report.Status = ReportIncomplete
				continue
			}
			report.TotalChecked++
		}
		if report.Status == ReportIncomplete {
			break
		}
		cursor = page[len(page)-1].ID
		if len(page) < limit {
			break
		}
	}

	report = finish()
	s.logger.Info("audit integrity check",
		slog.String("report_id", report.ID),
		slog.String("status", report.Status),
		slog.Int("total_checked", report.TotalChecked),
		slog.Int("invalid_records", report.InvalidRecords),
		slog.Int("missing_signatures", report.MissingSignatures),
	)
	return report, nil
}

// RegenerateSignature re-signs a stored record and replaces its signature.
func (s *IntegrityService) RegenerateSignature(ctx context.Context, id int64) (string, error) {
	if s.store == nil {
		return "", errors.New("audit: store not configured")
	}
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	sig, err := s.signer.Sign(a.Fields())
	if err != nil {
		return "", fmt.Errorf("audit: sign activity %d: %w", id, err)
	}
	if err := s.store.UpdateSignature(ctx, id, sig); err != nil {
		return "", fmt.Errorf("audit: store signature for %d: %w", id, err)
	}
	s.logger.Warn("audit signature regenerated", slog.Int64("activity_id", id))
	return sig, nil
}
