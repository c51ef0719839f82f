package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	violations *prometheus.CounterVec
	flags      *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddIntegrityViolations counts records found with a bad or missing signature.
// kind is "invalid" or "missing".
func (m *Metrics) AddIntegrityViolations(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.violations.WithLabelValues(kind).Add(float64(count))
}

// AddSecurityFlags counts findings of a security scan, e.g. suspicious_ip.
func (m *Metrics) AddSecurityFlags(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.flags.WithLabelValues(kind).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trustcore_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	violations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_audit_integrity_violations_total",
		Help: "Audit records failing verification, by kind.",
	}, []string{"kind"})
	flags := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_security_flags_total",
		Help: "Security scan findings by kind.",
	}, []string{"kind"})
	registerer.MustRegister(runs, failures, duration, violations, flags)
	return &Metrics{runs: runs, failures: failures, duration: duration, violations: violations, flags: flags}
}
