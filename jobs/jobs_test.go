package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/trustcore/internal/audit"
	jobmetrics "github.com/odyssey-erp/trustcore/internal/jobs"
	"github.com/odyssey-erp/trustcore/internal/security"
	"github.com/odyssey-erp/trustcore/internal/shared"
)

type stubChecker struct {
	report audit.IntegrityReport
	err    error
	opts   audit.CheckOptions
}

func (s *stubChecker) PerformIntegrityCheck(ctx context.Context, opts audit.CheckOptions) (audit.IntegrityReport, error) {
	s.opts = opts
	return s.report, s.err
}

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func TestNewTaskByName(t *testing.T) {
	for _, name := range TaskNames() {
		task, err := NewTaskByName(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if task.Type() != name {
			t.Fatalf("expected type %s, got %s", name, task.Type())
		}
	}
	if _, err := NewTaskByName("mail:send"); err == nil {
		t.Fatalf("expected unknown task error")
	}
}

func TestIntegrityCheckJobPassesPayload(t *testing.T) {
	checker := &stubChecker{report: audit.IntegrityReport{ID: "r", Status: audit.ReportCompleted, InvalidRecords: 2, CorruptedRecords: []int64{3, 9}}}
	job := NewIntegrityCheckJob(checker, nil, testMetrics())
	task, err := NewIntegrityCheckTask(IntegrityCheckPayload{Limit: 100})
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if err := job.Handle(context.Background(), task); err != nil {
		t.Fatalf("violations alone must not fail the run: %v", err)
	}
	if checker.opts.Limit != 100 {
		t.Fatalf("limit not forwarded: %+v", checker.opts)
	}
}

func TestIntegrityCheckJobErrors(t *testing.T) {
	cases := []struct {
		name      string
		checker   *stubChecker
		skipRetry bool
	}{
		{"incomplete", &stubChecker{report: audit.IntegrityReport{Status: audit.ReportIncomplete}}, false},
		{"store failure", &stubChecker{err: errors.New("db down")}, false},
		{"missing key", &stubChecker{err: &shared.ConfigurationError{Setting: "AUDIT_SIGNING_KEY", Reason: "missing"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job := NewIntegrityCheckJob(tc.checker, nil, testMetrics())
			err := job.Handle(context.Background(), asynq.NewTask(TaskAuditIntegrityCheck, nil))
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := errors.Is(err, asynq.SkipRetry); got != tc.skipRetry {
				t.Fatalf("skip retry = %v, want %v (%v)", got, tc.skipRetry, err)
			}
		})
	}
}

func TestMalformedPayloadSkipsRetry(t *testing.T) {
	job := NewIntegrityCheckJob(&stubChecker{}, nil, testMetrics())
	err := job.Handle(context.Background(), asynq.NewTask(TaskAuditIntegrityCheck, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected skip retry, got %v", err)
	}
}

type stubReporter struct {
	tr     security.TimeRange
	report security.Report
}

func (s *stubReporter) GenerateSecurityReport(ctx context.Context, tr security.TimeRange) (security.Report, error) {
	s.tr = tr
	s.report.TimeRange = tr
	return s.report, nil
}

func TestSecurityScanJobUsesWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	reporter := &stubReporter{report: security.Report{
		ID:            "s",
		Status:        security.ReportCompleted,
		SuspiciousIPs: []security.SuspiciousIP{{IPAddress: "10.0.0.1", FailureCount: 7}},
		TopRiskActivities: []security.Analysis{
			{ActivityID: 1, RiskLevel: security.LevelCritical, RiskScore: 80},
		},
	}}
	job := NewSecurityScanJob(reporter, nil, testMetrics())
	job.clock = func() time.Time { return now }
	task, err := NewSecurityScanTask(SecurityScanPayload{WindowHours: 6})
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if err := job.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !reporter.tr.From.Equal(now.Add(-6*time.Hour)) || !reporter.tr.To.Equal(now) {
		t.Fatalf("unexpected range %+v", reporter.tr)
	}

	reporter.report.Status = security.ReportIncomplete
	if err := job.Handle(context.Background(), asynq.NewTask(TaskSecurityScan, nil)); err == nil {
		t.Fatalf("incomplete report must fail the run")
	}
	if !reporter.tr.From.Equal(now.Add(-defaultScanWindow)) {
		t.Fatalf("default window not applied: %+v", reporter.tr)
	}
}

type stubCleaner struct {
	retention time.Duration
	calls     int
}

func (s *stubCleaner) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	s.calls++
	s.retention = retention
	return 4, nil
}

func TestRetentionJob(t *testing.T) {
	cleaner := &stubCleaner{}
	job := NewRetentionJob(cleaner, 90*24*time.Hour, nil, testMetrics())
	if err := job.Handle(context.Background(), asynq.NewTask(TaskAuditRetention, nil)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if cleaner.retention != 90*24*time.Hour {
		t.Fatalf("configured retention not used: %v", cleaner.retention)
	}

	task, _ := NewRetentionTask(RetentionPayload{RetentionDays: 7})
	if err := job.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if cleaner.retention != 7*24*time.Hour {
		t.Fatalf("payload override ignored: %v", cleaner.retention)
	}

	disabled := NewRetentionJob(cleaner, 0, nil, testMetrics())
	if err := disabled.Handle(context.Background(), asynq.NewTask(TaskAuditRetention, nil)); err != nil {
		t.Fatalf("disabled job: %v", err)
	}
	if cleaner.calls != 2 {
		t.Fatalf("disabled retention must not delete, calls=%d", cleaner.calls)
	}
}

type stubInspector struct {
	err error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &asynq.QueueInfo{Queue: queue, Pending: 3}, nil
}

func TestHealthHandler(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(stubInspector{}, nil).MountRoutes)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Queues []queueHealth `json:"queues"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Queues) != 2 || body.Queues[0].Pending != 3 || !body.Queues[0].Available {
		t.Fatalf("unexpected body %+v", body)
	}

	r = chi.NewRouter()
	r.Route("/jobs", NewHandler(stubInspector{err: errors.New("redis down")}, nil).MountRoutes)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
