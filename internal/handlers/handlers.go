// Package handlers implements the HTTP API.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"anomaly-service/internal/alerts"
	"anomaly-service/internal/analytics"
	"anomaly-service/internal/cache"
	"anomaly-service/internal/metrics"
	"anomaly-service/internal/models"
)

const (
	maxBodyBytes      = 4 << 20
	defaultAlertLimit = 50
	maxAlertLimit     = 1000
	defaultHistory    = 24 * time.Hour
	defaultLatest     = 50
	maxLatest         = 1000
)

// Deps are the collaborators of the HTTP handlers. Cache may be nil.
type Deps struct {
	Detector  *analytics.Detector
	Analyzer  *analytics.Analyzer
	Alerts    *alerts.Service
	Cache     *cache.RedisCache
	Logger    *zap.Logger
	StoreName string
}

// Handler serves the anomaly detection and alerting API.
type Handler struct {
	detector  *analytics.Detector
	analyzer  *analytics.Analyzer
	alerts    *alerts.Service
	cache     *cache.RedisCache
	logger    *zap.Logger
	storeName string
	startTime time.Time
}

// NewHandler creates a handler.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Detector == nil && d.Analyzer != nil {
		d.Detector = d.Analyzer.Detector()
	}
	return &Handler{
		detector:  d.Detector,
		analyzer:  d.Analyzer,
		alerts:    d.Alerts,
		cache:     d.Cache,
		logger:    d.Logger,
		storeName: d.StoreName,
		startTime: time.Now(),
	}
}

// DetectHandler handles POST /anomalies/detect
func (h *Handler) DetectHandler(w http.ResponseWriter, r *http.Request) {
	var req models.DetectRequest
	if !h.decode(w, r, &req) {
		return
	}

	anomalies := h.detector.DetectAnomalies(req.Metric, req.Values, req.Timestamps)
	observeScores(anomalies)

	resp := models.DetectResponse{
		Success:      true,
		AnomalyCount: len(anomalies),
		Anomalies:    anomalies,
	}
	if h.alerts != nil {
		batch := h.alerts.CreateAlertsForAnomalies(r.Context(), req.Metric, anomalies, len(req.Values))
		resp.Alerts = batch.Alerts
		for _, f := range batch.Failures {
			resp.AlertErrors = append(resp.AlertErrors, fmt.Sprintf("anomaly %d: %v", anomalies[f.Index].Index, f.Err))
		}
	}
	respondJSON(w, resp, http.StatusOK)
}

// P95Handler handles POST /anomalies/p95
func (h *Handler) P95Handler(w http.ResponseWriter, r *http.Request) {
	h.percentile(w, r, h.detector.DetectP95Anomaly)
}

// P99Handler handles POST /anomalies/p99
func (h *Handler) P99Handler(w http.ResponseWriter, r *http.Request) {
	h.percentile(w, r, h.detector.DetectP99Anomaly)
}

func (h *Handler) percentile(w http.ResponseWriter, r *http.Request, detect func([]float64, []int64) (*models.AnomalyScore, models.PercentileSet)) {
	var req models.PercentileRequest
	if !h.decode(w, r, &req) {
		return
	}

	anomaly, percentiles := detect(req.Values, req.Timestamps)
	if anomaly != nil && anomaly.IsAnomaly {
		metrics.ObserveAnomalies(string(anomaly.Severity))
	}
	respondJSON(w, models.PercentileResponse{
		Success:     true,
		Anomaly:     anomaly,
		Percentiles: percentiles,
	}, http.StatusOK)
}

// AggregateHandler handles POST /anomalies/aggregate
func (h *Handler) AggregateHandler(w http.ResponseWriter, r *http.Request) {
	var req models.AggregateRequest
	if !h.decode(w, r, &req) {
		return
	}
	respondJSON(w, models.AggregateResponse{
		Success:                 true,
		AggregatedAnomalyResult: h.detector.AggregateAnomalyScores(req.Scores),
	}, http.StatusOK)
}

// CriticalHandler handles POST /anomalies/critical
func (h *Handler) CriticalHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CriticalRequest
	if !h.decode(w, r, &req) {
		return
	}
	critical := h.detector.IdentifyCriticalAnomalies(req.Anomalies)
	respondJSON(w, models.CriticalResponse{
		Success:  true,
		Critical: critical,
		Count:    len(critical),
	}, http.StatusOK)
}

// TrendHandler handles POST /anomalies/trend
func (h *Handler) TrendHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TrendRequest
	if !h.decode(w, r, &req) {
		return
	}
	respondJSON(w, models.TrendResponse{
		Success:     true,
		TrendResult: h.detector.DetectTrendDeviation(req.Values, *req.WindowSize),
	}, http.StatusOK)
}

// TimelineHandler handles POST /anomalies/timeline
func (h *Handler) TimelineHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TimelineRequest
	if !h.decode(w, r, &req) {
		return
	}
	respondJSON(w, models.TimelineResponse{
		Success:        true,
		TimelineResult: h.detector.GenerateAnomalyTimeline(req.Scores, req.TimeRange),
	}, http.StatusOK)
}

// CreateAlertHandler handles POST /anomalies/alerts/create
func (h *Handler) CreateAlertHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAlertRequest
	if !h.decode(w, r, &req) {
		return
	}

	alert, created, err := h.alerts.CreateCriticalAlert(r.Context(), req.Metric, *req.AnomalyScore, req.Context)
	if err != nil {
		h.fail(w, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	respondJSON(w, models.AlertResponse{
		Success:      true,
		Alert:        alert,
		Deduplicated: !created,
	}, status)
}

// RecentAlertsHandler handles GET /anomalies/alerts
func (h *Handler) RecentAlertsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultAlertLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxAlertLimit)
	}
	severity, err := models.ParseSeverity(q.Get("severity"))
	if err != nil {
		h.fail(w, err)
		return
	}

	list, err := h.alerts.GetRecentAlerts(r.Context(), limit, severity)
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, models.AlertsResponse{Success: true, Alerts: list, Count: len(list)}, http.StatusOK)
}

// AlertHistoryHandler handles GET /anomalies/alerts/history
func (h *Handler) AlertHistoryHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	end := time.Now().UTC()
	if v := q.Get("endTime"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(w, "endTime must be unix milliseconds", http.StatusBadRequest)
			return
		}
		end = time.UnixMilli(ms).UTC()
	}
	start := end.Add(-defaultHistory)
	if v := q.Get("startTime"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(w, "startTime must be unix milliseconds", http.StatusBadRequest)
			return
		}
		start = time.UnixMilli(ms).UTC()
	}
	severity, err := models.ParseSeverity(q.Get("severity"))
	if err != nil {
		h.fail(w, err)
		return
	}

	summary, err := h.alerts.GetAlertHistory(r.Context(), start, end, severity)
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, models.AlertHistoryResponse{Success: true, AlertHistorySummary: summary}, http.StatusOK)
}

// ResolveAlertHandler handles POST /anomalies/alerts/{id}/resolve
func (h *Handler) ResolveAlertHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req models.ResolveAlertRequest
	if err := decodeOptional(r, &req); err != nil {
		respondError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	ok, err := h.alerts.ResolveAlert(r.Context(), id, req.ResolvedBy)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !ok {
		respondError(w, fmt.Sprintf("alert %s not found", id), http.StatusNotFound)
		return
	}
	respondJSON(w, models.ResolveAlertResponse{Success: true, ID: id}, http.StatusOK)
}

// AlertStatsHandler handles GET /anomalies/alerts/stats
func (h *Handler) AlertStatsHandler(w http.ResponseWriter, r *http.Request) {
	label := r.URL.Query().Get("timeRange")
	if label == "" {
		label = alerts.DefaultStatsRange
	}

	stats, err := h.alerts.GetAlertStats(r.Context(), label)
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, models.AlertStatsResponse{Success: true, AlertStats: stats}, http.StatusOK)
}

// MetricsHandler handles POST /metrics: one streamed sample
func (h *Handler) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	var s models.Sample
	if err := decodeBody(w, r, &s); err != nil {
		respondError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := models.ValidateSample(&s); err != nil {
		h.fail(w, err)
		return
	}

	result := h.ingest(r.Context(), s)
	respondJSON(w, models.IngestResponse{Success: true, StreamResult: result}, http.StatusOK)
}

// BatchMetricsHandler handles POST /metrics/batch. With ?async=true the
// samples are queued for the worker pool instead of scored inline.
func (h *Handler) BatchMetricsHandler(w http.ResponseWriter, r *http.Request) {
	var batch models.SampleBatch
	if err := decodeBody(w, r, &batch); err != nil {
		respondError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	for i := range batch.Samples {
		if err := models.ValidateSample(&batch.Samples[i]); err != nil {
			h.fail(w, fmt.Errorf("sample %d: %w", i, err))
			return
		}
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		resp := models.AsyncIngestResponse{Success: true}
		for _, s := range batch.Samples {
			h.mirror(r.Context(), s)
			metrics.SamplesReceived.Inc()
			if h.analyzer.Submit(s) {
				resp.Accepted++
			} else {
				resp.Dropped++
			}
		}
		respondJSON(w, resp, http.StatusAccepted)
		return
	}

	results := make([]models.StreamResult, 0, len(batch.Samples))
	anomalies := 0
	for _, s := range batch.Samples {
		result := h.ingest(r.Context(), s)
		if result.Score.IsAnomaly {
			anomalies++
		}
		results = append(results, result)
	}

	respondJSON(w, models.BatchIngestResponse{
		Success:        true,
		Processed:      len(results),
		AnomaliesFound: anomalies,
		Results:        results,
	}, http.StatusOK)
}

func (h *Handler) ingest(ctx context.Context, s models.Sample) models.StreamResult {
	if s.Timestamp == 0 {
		s.Timestamp = time.Now().UnixMilli()
	}
	h.mirror(ctx, s)
	metrics.SamplesReceived.Inc()

	start := time.Now()
	result := h.analyzer.AnalyzeSync(ctx, s)
	metrics.AnalysisLatency.Observe(time.Since(start).Seconds())

	h.RecordResult(ctx, result)
	return result
}

// RecordResult updates anomaly counters for a scored sample.
func (h *Handler) RecordResult(ctx context.Context, result models.StreamResult) {
	if !result.Score.IsAnomaly {
		return
	}
	metrics.ObserveAnomalies(string(result.Score.Severity))
	if h.cache != nil {
		if _, err := h.cache.IncrementCounter(ctx, cache.AnomaliesTotalKey); err != nil {
			h.logger.Warn("failed to count anomaly", zap.Error(err))
		}
	}
}

// mirror copies s into the Redis sample mirror. Failures only cost the
// mirror and are counted as cache misses.
func (h *Handler) mirror(ctx context.Context, s models.Sample) {
	if h.cache == nil {
		return
	}
	if err := h.cache.CacheSample(ctx, s); err != nil {
		metrics.CacheMisses.Inc()
		h.logger.Warn("failed to mirror sample", zap.String("metric", s.Metric), zap.Error(err))
		return
	}
	metrics.CacheHits.Inc()
}

// SeriesHistoryHandler handles GET /metrics/{metric}/history
func (h *Handler) SeriesHistoryHandler(w http.ResponseWriter, r *http.Request) {
	metric := mux.Vars(r)["metric"]
	samples := h.analyzer.History(metric)
	if len(samples) == 0 {
		respondError(w, fmt.Sprintf("series %s not found", metric), http.StatusNotFound)
		return
	}
	respondJSON(w, models.HistoryResponse{
		Success: true,
		Metric:  metric,
		Samples: samples,
		Count:   len(samples),
	}, http.StatusOK)
}

// LatestSamplesHandler handles GET /metrics/{metric}/latest from the Redis
// mirror.
func (h *Handler) LatestSamplesHandler(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		respondError(w, "Cache not available", http.StatusServiceUnavailable)
		return
	}

	metric := mux.Vars(r)["metric"]
	count := int64(defaultLatest)
	if v := r.URL.Query().Get("count"); v != "" {
		if c, err := strconv.ParseInt(v, 10, 64); err == nil && c > 0 && c <= maxLatest {
			count = c
		}
	}

	samples, err := h.cache.LatestSamples(r.Context(), metric, count)
	if err != nil {
		metrics.CacheMisses.Inc()
		h.fail(w, err)
		return
	}
	metrics.CacheHits.Inc()
	respondJSON(w, models.HistoryResponse{
		Success: true,
		Metric:  metric,
		Samples: samples,
		Count:   len(samples),
	}, http.StatusOK)
}

// SeriesHandler handles GET /series
func (h *Handler) SeriesHandler(w http.ResponseWriter, r *http.Request) {
	series := h.analyzer.Series()
	respondJSON(w, models.SeriesResponse{Success: true, Series: series, Count: len(series)}, http.StatusOK)
}

// HealthHandler handles GET /health
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	redisStatus := "disabled"
	if h.cache != nil {
		redisStatus = "connected"
		if err := h.cache.Ping(r.Context()); err != nil {
			redisStatus = "disconnected"
		}
	}

	respondJSON(w, models.HealthStatus{
		Success:   true,
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Redis:     redisStatus,
		Store:     h.storeName,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	}, http.StatusOK)
}

// StatsHandler handles GET /stats
func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	st := h.analyzer.Stats()
	goroutines := runtime.NumGoroutine()
	metrics.ActiveGoroutines.Set(float64(goroutines))

	resp := models.StatsResponse{
		Success:         true,
		TotalSamples:    st.Processed,
		AnomaliesCount:  st.Anomalies,
		TrackedSeries:   len(h.analyzer.Series()),
		QueueDropped:    st.Dropped,
		AvgAnalysisMs:   float64(st.AvgLatency) / float64(time.Millisecond),
		ActiveGoroutine: goroutines,
	}
	// the mirror counters survive restarts and span instances
	if h.cache != nil {
		if total, err := h.cache.GetCounter(r.Context(), cache.SamplesTotalKey); err == nil && total > 0 {
			resp.TotalSamples = total
		}
		if anomalies, err := h.cache.GetCounter(r.Context(), cache.AnomaliesTotalKey); err == nil && anomalies > 0 {
			resp.AnomaliesCount = anomalies
		}
	}
	respondJSON(w, resp, http.StatusOK)
}

type validator interface {
	Validate() error
}

// decode reads and validates a JSON request body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, req validator) bool {
	if err := decodeBody(w, r, req); err != nil {
		respondError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := req.Validate(); err != nil {
		h.fail(w, err)
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// fail maps err to a status code and writes the error envelope.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrInvalidSeverity),
		errors.Is(err, alerts.ErrInvalidTimeRange):
		respondError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, alerts.ErrAlertNotFound):
		respondError(w, err.Error(), http.StatusNotFound)
	default:
		h.logger.Error("request failed", zap.Error(err))
		respondError(w, "internal server error", http.StatusInternalServerError)
	}
}

func observeScores(scores []models.AnomalyScore) {
	for _, s := range scores {
		metrics.ObserveAnomalies(string(s.Severity))
	}
}

// encodeFailure is written when a response cannot be marshalled, for
// instance because it holds a non-finite float.
var encodeFailure = []byte(`{"success":false,"error":"failed to encode response"}` + "\n")

// respondJSON writes a JSON response. The body is encoded before the status
// is sent so that encoding failures still produce an error envelope.
func respondJSON(w http.ResponseWriter, data interface{}, status int) {
	var buf bytes.Buffer
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write(encodeFailure)
		return
	}
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// respondError writes the error envelope
func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, models.ErrorResponse{Success: false, Error: message}, status)
}
