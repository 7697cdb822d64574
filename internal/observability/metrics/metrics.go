// Package metrics exposes EntDB's Prometheus metrics, shaped after
// cuemby-warren's pkg/metrics: package-level collectors registered in
// init, a Timer helper for latency histograms, and an HTTP handler
// for the scrape endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entdb_applier_events_applied_total",
			Help: "Total number of transaction events applied, by tenant and outcome",
		},
		[]string{"tenant_id", "outcome"}, // outcome: success | skipped | failed
	)

	ApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "entdb_applier_apply_duration_seconds",
			Help:    "Time to apply one transaction event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant_id"},
	)

	ApplierLagRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "entdb_applier_lag_records",
			Help: "Records buffered ahead of the applier's committed position",
		},
		[]string{"topic"},
	)

	ArchiveSegmentsUploaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entdb_archiver_segments_uploaded_total",
			Help: "Total number of archive segments uploaded, by tenant",
		},
		[]string{"tenant_id"},
	)

	ArchiveUploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "entdb_archiver_upload_duration_seconds",
			Help:    "Time to upload an archive segment",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotsTaken = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entdb_snapshotter_snapshots_total",
			Help: "Total number of snapshots taken, by tenant and outcome",
		},
		[]string{"tenant_id", "outcome"},
	)

	SnapshotDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "entdb_snapshotter_duration_seconds",
			Help:    "Time to snapshot one tenant database",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"tenant_id"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entdb_api_requests_total",
			Help: "Total API requests, by method and status code",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "entdb_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RestoreEventsReplayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entdb_restore_events_replayed_total",
			Help: "Total number of archive events replayed during a restore",
		},
		[]string{"tenant_id"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsApplied,
		ApplyDuration,
		ApplierLagRecords,
		ArchiveSegmentsUploaded,
		ArchiveUploadDuration,
		SnapshotsTaken,
		SnapshotDuration,
		APIRequestsTotal,
		APIRequestDuration,
		RestoreEventsReplayed,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation for later observation into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time into histogram under labels.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// ObserveDuration records the elapsed time into a plain histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
