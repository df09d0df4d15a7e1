package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ConversionsRequested = prometheus.NewCounter(prometheus.CounterOpts{Name: "takeoff_conversions_requested_total", Help: "Conversion requests accepted by the API"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "takeoff_rate_limit_rejects_total", Help: "Requests rejected by the per-customer rate limiter"})
	ConversionsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "takeoff_conversions_completed_total", Help: "Conversions that produced a takeoff file"})
	ConversionsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "takeoff_conversions_failed_total", Help: "Conversions that failed, by error kind"}, []string{"kind"})
	StageDuration        = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "takeoff_stage_duration_seconds",
		Help:    "Time spent in each pipeline stage",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 9),
	}, []string{"stage"})
	URLRetrievalAttempts = prometheus.NewCounter(prometheus.CounterOpts{Name: "takeoff_url_retrieval_attempts_total", Help: "Download-URL lookups, including retries"})
	NotificationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "takeoff_notification_failures_total", Help: "Notifications that could not be delivered"}, []string{"kind"})
	SagaTransitions      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "takeoff_saga_transitions_total", Help: "Saga events by outcome"}, []string{"event", "outcome"})
	BusDeadLetter        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "takeoff_bus_dead_letter_total", Help: "Messages moved to the dead-letter list"}, []string{"topic"})
	BusRedeliveries      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "takeoff_bus_redeliveries_total", Help: "Messages scheduled for another delivery"}, []string{"topic"})
	QueueDepthGauge      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "takeoff_bus_ready_depth", Help: "Ready messages per topic"}, []string{"topic"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "takeoff_bus_inflight", Help: "Messages currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ConversionsRequested,
			RateLimitRejects,
			ConversionsCompleted,
			ConversionsFailed,
			StageDuration,
			URLRetrievalAttempts,
			NotificationFailures,
			SagaTransitions,
			BusDeadLetter,
			BusRedeliveries,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
