// Package metrics exposes Prometheus collectors for the crisis pipeline.
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
	ingestArticlesTotal        *prometheus.CounterVec
	quotaRejectionsTotal       *prometheus.CounterVec
	completionAttemptsTotal    *prometheus.CounterVec
	completionLatencySeconds   prometheus.Histogram
	completionTokensTotal      prometheus.Counter
	analysesTotal              *prometheus.CounterVec
	crisesCreatedTotal         *prometheus.CounterVec
	alertDeliveriesTotal       *prometheus.CounterVec
	queueTasksTotal            *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestArticlesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crisis_ingest_articles_total",
				Help: "Articles seen by ingestion, labeled by source and outcome (fetched, saved, duplicate, skipped).",
			},
			[]string{"source", "outcome"},
		)

		quotaRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crisis_quota_rejections_total",
				Help: "Fetches skipped because the source's daily quota was exhausted.",
			},
			[]string{"source"},
		)

		completionAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crisis_completion_attempts_total",
				Help: "Completion service attempts, labeled by outcome kind.",
			},
			[]string{"outcome"},
		)

		completionLatencySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crisis_completion_latency_seconds",
				Help:    "Latency of individual completion service attempts.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		completionTokensTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crisis_completion_tokens_total",
				Help: "Total tokens reported by the completion service.",
			},
		)

		analysesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crisis_analyses_total",
				Help: "Article analyses, labeled by outcome (created, existing, skipped).",
			},
			[]string{"outcome"},
		)

		crisesCreatedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crisis_events_created_total",
				Help: "Crisis events created by automatic detection, labeled by severity.",
			},
			[]string{"severity"},
		)

		alertDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crisis_alert_deliveries_total",
				Help: "Alert deliveries, labeled by channel and outcome.",
			},
			[]string{"channel", "outcome"},
		)

		queueTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crisis_queue_tasks_total",
				Help: "Queue task transitions, labeled by task type and outcome.",
			},
			[]string{"task_type", "outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crisis_active_workers",
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
	return promhttp.Handler()
}

// ObserveIngest adds n articles with the given outcome for a source.
func ObserveIngest(source, outcome string, n int) {
	Init()
	if n <= 0 {
		return
	}
	ingestArticlesTotal.WithLabelValues(source, outcome).Add(float64(n))
}

// ObserveQuotaRejection counts a fetch skipped for quota.
func ObserveQuotaRejection(source string) {
	Init()
	quotaRejectionsTotal.WithLabelValues(source).Inc()
}

// ObserveCompletionAttempt records one completion attempt.
func ObserveCompletionAttempt(outcome string, latency time.Duration, tokens int) {
	Init()
	completionAttemptsTotal.WithLabelValues(outcome).Inc()
	completionLatencySeconds.Observe(latency.Seconds())
	if tokens > 0 {
		completionTokensTotal.Add(float64(tokens))
	}
}

// ObserveAnalysis counts an analysis outcome.
func ObserveAnalysis(outcome string) {
	Init()
	analysesTotal.WithLabelValues(outcome).Inc()
}

// ObserveCrisisCreated counts a newly detected crisis.
func ObserveCrisisCreated(severity string) {
	Init()
	crisesCreatedTotal.WithLabelValues(severity).Inc()
}

// ObserveAlertDelivery counts a delivery attempt on a channel.
func ObserveAlertDelivery(channel, outcome string) {
	Init()
	alertDeliveriesTotal.WithLabelValues(channel, outcome).Inc()
}

// ObserveTask counts a queue task transition.
func ObserveTask(taskType, outcome string) {
	Init()
	queueTasksTotal.WithLabelValues(taskType, outcome).Inc()
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
