package handlers

import (
	"net/http"
	_ "net/http/pprof"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"anomaly-service/internal/metrics"
)

// instrument records request count and latency for endpoint.
func instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
		defer timer.ObserveDuration()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		metrics.RequestsTotal.WithLabelValues(endpoint, r.Method, strconv.Itoa(sw.status)).Inc()
	}
}

// NewRouter registers every route of the API.
func NewRouter(h *Handler, logger *zap.Logger) *mux.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()

	route := func(path, method string, fn http.HandlerFunc) {
		router.HandleFunc(path, instrument(path, fn)).Methods(method)
	}

	// detection
	route("/anomalies/detect", http.MethodPost, h.DetectHandler)
	route("/anomalies/p95", http.MethodPost, h.P95Handler)
	route("/anomalies/p99", http.MethodPost, h.P99Handler)
	route("/anomalies/aggregate", http.MethodPost, h.AggregateHandler)
	route("/anomalies/critical", http.MethodPost, h.CriticalHandler)
	route("/anomalies/trend", http.MethodPost, h.TrendHandler)
	route("/anomalies/timeline", http.MethodPost, h.TimelineHandler)

	// alerts
	route("/anomalies/alerts/create", http.MethodPost, h.CreateAlertHandler)
	route("/anomalies/alerts", http.MethodGet, h.RecentAlertsHandler)
	route("/anomalies/alerts/history", http.MethodGet, h.AlertHistoryHandler)
	route("/anomalies/alerts/stats", http.MethodGet, h.AlertStatsHandler)
	route("/anomalies/alerts/{id}/resolve", http.MethodPost, h.ResolveAlertHandler)

	// streaming
	route("/metrics", http.MethodPost, h.MetricsHandler)
	route("/metrics/batch", http.MethodPost, h.BatchMetricsHandler)
	route("/metrics/{metric}/history", http.MethodGet, h.SeriesHistoryHandler)
	route("/metrics/{metric}/latest", http.MethodGet, h.LatestSamplesHandler)
	route("/series", http.MethodGet, h.SeriesHandler)

	// service
	router.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	route("/stats", http.MethodGet, h.StatsHandler)
	router.Handle("/prometheus", promhttp.Handler())
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, "not found", http.StatusNotFound)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	router.Use(Recovery(logger))
	router.Use(Logging(logger))
	return router
}
