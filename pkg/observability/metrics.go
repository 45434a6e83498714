// Package observability provides Prometheus metrics, health checks, and
// the HTTP server exposing both.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	chatTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_chat_turns_total",
			Help: "Total number of chat turns handled",
		},
		[]string{"status"},
	)

	rateLimitRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_rate_limit_rejects_total",
			Help: "Total number of admissions denied by the token bucket",
		},
		[]string{"policy"},
	)

	jobsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_jobs_fired_total",
			Help: "Total number of deferred jobs executed on wake-up",
		},
		[]string{"status"},
	)

	jobsScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_jobs_scheduled_total",
			Help: "Total number of schedule requests accepted",
		},
		[]string{"mode"},
	)

	wakeUpsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_wake_ups_total",
			Help: "Total number of timer fires delivered to session actors",
		},
	)

	maintenanceRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_maintenance_runs_total",
			Help: "Total number of maintenance passes",
		},
	)

	turnsPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_turns_pruned_total",
			Help: "Total number of turns dropped by retention policies",
		},
	)

	generationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_generation_duration_seconds",
			Help:    "Assistant invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	initOnce sync.Once
)

// InitMetrics registers the Prometheus metrics.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			chatTurnsTotal,
			rateLimitRejectsTotal,
			jobsFiredTotal,
			jobsScheduledTotal,
			wakeUpsTotal,
			maintenanceRunsTotal,
			turnsPrunedTotal,
			generationDuration,
			httpRequestsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordChatTurn records one handled chat turn.
func RecordChatTurn(status string) {
	chatTurnsTotal.WithLabelValues(status).Inc()
}

// RecordRateLimitReject records a denied admission.
func RecordRateLimitReject(policy string) {
	rateLimitRejectsTotal.WithLabelValues(policy).Inc()
}

// RecordJobFired records one executed deferred job.
func RecordJobFired(status string) {
	jobsFiredTotal.WithLabelValues(status).Inc()
}

// RecordJobScheduled records an accepted schedule request.
func RecordJobScheduled(mode string) {
	jobsScheduledTotal.WithLabelValues(mode).Inc()
}

// RecordWakeUp records a timer fire.
func RecordWakeUp() {
	wakeUpsTotal.Inc()
}

// RecordMaintenanceRun records a maintenance pass.
func RecordMaintenanceRun() {
	maintenanceRunsTotal.Inc()
}

// RecordTurnsPruned records turns dropped by retention.
func RecordTurnsPruned(n int) {
	if n > 0 {
		turnsPrunedTotal.Add(float64(n))
	}
}

// RecordGeneration records an assistant invocation duration.
func RecordGeneration(duration time.Duration) {
	generationDuration.Observe(duration.Seconds())
}

// RecordHTTPRequest records HTTP request metrics.
func RecordHTTPRequest(method, path, status string) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
}
