// Package metrics exposes Prometheus collectors for the archive pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	batchesTotal               *prometheus.CounterVec
	transitionsTotal           *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	fetchExitsTotal            *prometheus.CounterVec
	reconciledItemsTotal       prometheus.Counter
	uploadBytesTotal           prometheus.Counter
	uploadsInFlight            prometheus.Gauge
	uploadCeiling              prometheus.Gauge
	activeBatches              prometheus.Gauge
	healthChecksTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_batches_total",
				Help: "Total number of batches that reached a terminal state, labeled by state.",
			},
			[]string{"state"},
		)

		transitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_transitions_total",
				Help: "Total number of batch state transitions, labeled by target state and whether the stage was skipped.",
			},
			[]string{"to", "skipped"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_stage_duration_seconds",
				Help:    "Histogram of stage durations, labeled by the state the stage leads to.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600, 1800},
			},
			[]string{"stage"},
		)

		fetchExitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_fetch_exits_total",
				Help: "Total number of fetcher exits, labeled by exit code.",
			},
			[]string{"code"},
		)

		reconciledItemsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_reconciled_items_total",
				Help: "Total number of sub-items removed from batches by partial-failure reconciliation.",
			},
		)

		uploadBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_upload_bytes_total",
				Help: "Total number of artifact bytes uploaded.",
			},
		)

		uploadsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_uploads_in_flight",
				Help: "Number of uploads currently holding a gate slot.",
			},
		)

		uploadCeiling = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_upload_ceiling",
				Help: "Current upload concurrency ceiling.",
			},
		)

		activeBatches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_active_batches",
				Help: "Number of batches currently in the pipeline.",
			},
		)

		healthChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_health_checks_total",
				Help: "Total number of DNS health checks, labeled by result.",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTransition counts a state change and the duration of the stage behind it.
func ObserveTransition(to string, skipped bool, duration time.Duration) {
	Init()
	transitionsTotal.WithLabelValues(to, strconv.FormatBool(skipped)).Inc()
	stageDurationSeconds.WithLabelValues(to).Observe(duration.Seconds())
}

// ObserveBatch counts a batch reaching a terminal state.
func ObserveBatch(state string) {
	Init()
	batchesTotal.WithLabelValues(state).Inc()
}

// ObserveFetchExit counts a fetcher exit code.
func ObserveFetchExit(code int) {
	Init()
	fetchExitsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveReconciled adds sub-items removed by reconciliation.
func ObserveReconciled(n int) {
	Init()
	if n > 0 {
		reconciledItemsTotal.Add(float64(n))
	}
}

// ObserveUpload records uploaded bytes.
func ObserveUpload(bytes int64) {
	Init()
	if bytes > 0 {
		uploadBytesTotal.Add(float64(bytes))
	}
}

// SetUploadGate publishes the gate's current ceiling and occupancy.
func SetUploadGate(ceiling, inFlight int) {
	Init()
	uploadCeiling.Set(float64(ceiling))
	uploadsInFlight.Set(float64(inFlight))
}

// IncActiveBatches increments the active batch gauge.
func IncActiveBatches() {
	Init()
	activeBatches.Inc()
}

// DecActiveBatches decrements the active batch gauge.
func DecActiveBatches() {
	Init()
	activeBatches.Dec()
}

// ObserveHealthCheck counts a DNS health check result ("ok", "interference", "error").
func ObserveHealthCheck(result string) {
	Init()
	healthChecksTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
