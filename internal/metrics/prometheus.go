// Package metrics exports service metrics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts handled requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"endpoint", "method", "status"},
	)

	// RequestDuration request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anomaly_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"endpoint", "method"},
	)

	// SamplesReceived counts streamed samples
	SamplesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anomaly_samples_received_total",
			Help: "Total number of metric samples received",
		},
	)

	// AnomaliesDetected counts anomalous points by severity
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_anomalies_detected_total",
			Help: "Total number of anomalies detected",
		},
		[]string{"severity"},
	)

	// AlertsCreated counts persisted alerts by severity
	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_alerts_created_total",
			Help: "Total number of alerts created",
		},
		[]string{"severity"},
	)

	// AlertsDeduplicated counts suppressed alert creations
	AlertsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anomaly_alerts_deduplicated_total",
			Help: "Total number of alert creations suppressed by deduplication",
		},
	)

	// AlertsFailed counts alerts that could not be persisted
	AlertsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anomaly_alerts_failed_total",
			Help: "Total number of alerts that failed to persist",
		},
	)

	// AlertsResolved counts resolutions
	AlertsResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anomaly_alerts_resolved_total",
			Help: "Total number of alerts resolved",
		},
	)

	// TrackedSeries number of series with rolling history
	TrackedSeries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "anomaly_tracked_series",
			Help: "Number of metric series with rolling history",
		},
	)

	// QueueDropped samples dropped because the ingestion queue was full
	QueueDropped = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "anomaly_queue_dropped",
			Help: "Samples dropped because the analysis queue was full",
		},
	)

	// CacheHits successful writes or reads against the Redis sample mirror
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anomaly_cache_hits_total",
			Help: "Total number of cache hits",
		},
	)

	// CacheMisses failed writes or reads against the Redis sample mirror
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anomaly_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// ActiveGoroutines number of goroutines
	ActiveGoroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "anomaly_active_goroutines",
			Help: "Number of active goroutines",
		},
	)

	// AnalysisLatency time spent scoring
	AnalysisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anomaly_analysis_latency_seconds",
			Help:    "Analysis computation latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05},
		},
	)
)

// ObserveAnomalies increments AnomaliesDetected once per given severity.
func ObserveAnomalies(severities ...string) {
	for _, s := range severities {
		AnomaliesDetected.WithLabelValues(s).Inc()
	}
}
