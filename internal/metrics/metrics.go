// Package metrics provides Prometheus collectors for the MENTIS service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mentis"

// Label values shared by callers.
const (
	TurnKindMessage = "message"
	TurnKindHint    = "hint"

	OutcomeOK       = "ok"
	OutcomeFallback = "fallback"
	OutcomeStale    = "stale"
	OutcomeError    = "error"
)

var (
	// turnsTotal counts orchestrator turns by kind and outcome.
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of tutoring turns",
		},
		[]string{"kind", "outcome"},
	)

	llmRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of tutor model calls in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"outcome"},
	)

	// directivesTotal counts decoded reply directives; status is valid or malformed.
	directivesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directives_total",
			Help:      "Total number of directives found in tutor replies",
		},
		[]string{"directive", "status"},
	)

	pointsAwardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_awarded_total",
			Help:      "Total points awarded to students by the tutor",
		},
	)

	progressFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_flushes_total",
			Help:      "Total number of write-behind progress flushes per student",
		},
		[]string{"outcome"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)

	allMetrics = []prometheus.Collector{
		turnsTotal,
		llmRequestDuration,
		directivesTotal,
		pointsAwardedTotal,
		progressFlushesTotal,
		httpRequestsTotal,
	}
)

// RecordTurn counts a finished turn.
func RecordTurn(kind, outcome string) {
	turnsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordLLMRequest observes the latency of one model call.
func RecordLLMRequest(outcome string, d time.Duration) {
	llmRequestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordDirective counts one decoded directive.
func RecordDirective(directive, status string) {
	directivesTotal.WithLabelValues(directive, status).Inc()
}

// RecordPointsAwarded adds awarded points.
func RecordPointsAwarded(points int) {
	if points > 0 {
		pointsAwardedTotal.Add(float64(points))
	}
}

// RecordProgressFlush counts a per-student progress flush.
func RecordProgressFlush(outcome string) {
	progressFlushesTotal.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest counts a served request.
func RecordHTTPRequest(route, code string) {
	httpRequestsTotal.WithLabelValues(route, code).Inc()
}

// NewRegistry returns a registry holding the MENTIS collectors plus Go runtime and
// process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
