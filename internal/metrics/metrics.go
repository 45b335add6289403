// Package metrics exposes Prometheus collectors for the adintel service.
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
	jobsTotal                  *prometheus.CounterVec
	admissionsTotal            *prometheus.CounterVec
	webhooksTotal              *prometheus.CounterVec
	analysisModalitiesTotal    *prometheus.CounterVec
	mediaSkipsTotal            *prometheus.CounterVec
	reconcileActionsTotal      *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adintel_jobs_total",
				Help: "Total number of jobs reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		admissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adintel_admissions_total",
				Help: "Admission decisions, labeled by plan and outcome.",
			},
			[]string{"plan", "outcome"},
		)

		webhooksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adintel_webhooks_total",
				Help: "Provider callbacks received, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		analysisModalitiesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adintel_analysis_modalities_total",
				Help: "Analysis branches run, labeled by modality and outcome.",
			},
			[]string{"modality", "outcome"},
		)

		mediaSkipsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adintel_media_skips_total",
				Help: "Media downloads skipped, labeled by reason.",
			},
			[]string{"reason"},
		)

		reconcileActionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adintel_reconcile_actions_total",
				Help: "Actions taken by the reconciliation sweep, labeled by action.",
			},
			[]string{"action"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "adintel_active_workers",
				Help: "Number of workers currently processing a task.",
			},
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
	Init()
	return promhttp.Handler()
}

// ObserveJob counts a job reaching status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveAdmission counts an admission decision.
func ObserveAdmission(plan, outcome string) {
	Init()
	if plan == "" {
		plan = "unknown"
	}
	admissionsTotal.WithLabelValues(plan, outcome).Inc()
}

// ObserveWebhook counts a callback by outcome.
func ObserveWebhook(outcome string) {
	Init()
	webhooksTotal.WithLabelValues(outcome).Inc()
}

// ObserveModality counts one analysis branch.
func ObserveModality(modality, outcome string) {
	Init()
	analysisModalitiesTotal.WithLabelValues(modality, outcome).Inc()
}

// ObserveMediaSkip counts a skipped download.
func ObserveMediaSkip(reason string) {
	Init()
	mediaSkipsTotal.WithLabelValues(reason).Inc()
}

// ObserveReconcile counts a sweep action.
func ObserveReconcile(action string) {
	Init()
	reconcileActionsTotal.WithLabelValues(action).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
