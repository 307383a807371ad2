// Package metrics holds the Prometheus collectors for the finalizer. All
// methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/auction-finalizer/internal/models"
)

const namespace = "auction_finalizer"

// Metrics groups every collector
type Metrics struct {
	registry *prometheus.Registry

	scans           *prometheus.CounterVec
	scanDuration    prometheus.Histogram
	candidates      prometheus.Counter
	skipped         *prometheus.CounterVec
	enqueueOutcomes *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	leasesReclaimed prometheus.Counter
	submissionWait  prometheus.Histogram
	queueJobs       *prometheus.GaugeVec
}

// New creates and registers the collectors on a fresh registry, alongside
// the Go runtime and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scanner", Name: "cycles_total",
			Help: "Scan cycles by result.",
		}, []string{"result"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scanner", Name: "cycle_duration_seconds",
			Help:    "Duration of completed scan cycles.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scanner", Name: "candidates_total",
			Help: "Distinct candidate auctions returned by the indexer.",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scanner", Name: "skipped_total",
			Help: "Candidate auctions not enqueued, by reason.",
		}, []string{"reason"}),
		enqueueOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "enqueue_total",
			Help: "Per-job bulk enqueue outcomes.",
		}, []string{"status"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "attempts_total",
			Help: "Job executions by outcome.",
		}, []string{"outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "worker", Name: "attempt_duration_seconds",
			Help:    "Job execution time from dequeue to ack or fail.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"outcome"}),
		leasesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "leases_reclaimed_total",
			Help: "Expired leases converted into failed attempts.",
		}),
		submissionWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "worker", Name: "submission_wait_seconds",
			Help:    "Time spent waiting on the submission rate limit.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		queueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "jobs",
			Help: "Jobs in the durable queue by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.scans, m.scanDuration, m.candidates, m.skipped, m.enqueueOutcomes,
		m.attempts, m.attemptDuration, m.leasesReclaimed, m.submissionWait, m.queueJobs,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ScanFinished records one scan cycle. result is "ok" or an error code.
func (m *Metrics) ScanFinished(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(result).Inc()
	if result == "ok" {
		m.scanDuration.Observe(d.Seconds())
	}
}

// CandidatesSeen adds to the candidate counter
func (m *Metrics) CandidatesSeen(n int) {
	if m == nil {
		return
	}
	m.candidates.Add(float64(n))
}

// AuctionsSkipped adds n skipped auctions for reason
func (m *Metrics) AuctionsSkipped(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.skipped.WithLabelValues(reason).Add(float64(n))
}

// EnqueueOutcome counts one per-job enqueue result
func (m *Metrics) EnqueueOutcome(status string) {
	if m == nil {
		return
	}
	m.enqueueOutcomes.WithLabelValues(status).Inc()
}

// AttemptFinished records one job execution
func (m *Metrics) AttemptFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
	m.attemptDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// LeasesReclaimed adds n reclaimed leases
func (m *Metrics) LeasesReclaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.leasesReclaimed.Add(float64(n))
}

// SubmissionWaited records time spent in the submission limiter
func (m *Metrics) SubmissionWaited(d time.Duration) {
	if m == nil {
		return
	}
	m.submissionWait.Observe(d.Seconds())
}

// SetQueueStats publishes the latest queue counts
func (m *Metrics) SetQueueStats(stats *models.QueueStats) {
	if m == nil || stats == nil {
		return
	}
	m.queueJobs.WithLabelValues("pending").Set(float64(stats.Pending))
	m.queueJobs.WithLabelValues("leased").Set(float64(stats.Leased))
	m.queueJobs.WithLabelValues("failed").Set(float64(stats.Failed))
}
