package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrValidation marks request payloads rejected at the HTTP boundary.
var ErrValidation = errors.New("validation failed")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// checkMagnitude rejects series whose summed magnitudes overflow float64.
// Means, spreads and interpolated percentiles of such series are not finite.
func checkMagnitude(field string, values []float64) error {
	var total float64
	for _, v := range values {
		total += math.Abs(v)
	}
	if math.IsInf(total, 0) || math.IsNaN(total) {
		return invalid("%s are too large to aggregate", field)
	}
	return nil
}

func scoreValues(scores []AnomalyScore) []float64 {
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = s.Score
	}
	return out
}

// DefaultTrendWindow is used when a trend request omits windowSize.
const DefaultTrendWindow = 10

// DetectRequest is the body of POST /anomalies/detect.
type DetectRequest struct {
	Metric     string    `json:"metric"`
	Values     []float64 `json:"values"`
	Timestamps []int64   `json:"timestamps,omitempty"`
}

// Validate checks the detection payload.
func (r *DetectRequest) Validate() error {
	if len(r.Values) == 0 {
		return invalid("values must be a non-empty array")
	}
	if r.Timestamps != nil && len(r.Timestamps) != len(r.Values) {
		return invalid("timestamps length (%d) must match values length (%d)", len(r.Timestamps), len(r.Values))
	}
	if err := checkMagnitude("values", r.Values); err != nil {
		return err
	}
	r.Metric = strings.TrimSpace(r.Metric)
	if r.Metric == "" {
		r.Metric = "unknown"
	}
	return nil
}

// DetectResponse is returned by POST /anomalies/detect.
type DetectResponse struct {
	Success      bool           `json:"success"`
	AnomalyCount int            `json:"anomalyCount"`
	Anomalies    []AnomalyScore `json:"anomalies"`
	Alerts       []AnomalyAlert `json:"alerts,omitempty"`
	AlertErrors  []string       `json:"alertErrors,omitempty"`
}

// PercentileRequest is the body of POST /anomalies/p95 and /anomalies/p99.
type PercentileRequest struct {
	Values     []float64 `json:"values"`
	Timestamps []int64   `json:"timestamps,omitempty"`
}

// Validate checks the percentile payload. An empty array is valid.
func (r *PercentileRequest) Validate() error {
	if r.Values == nil {
		return invalid("values must be an array")
	}
	if r.Timestamps != nil && len(r.Timestamps) != len(r.Values) {
		return invalid("timestamps length (%d) must match values length (%d)", len(r.Timestamps), len(r.Values))
	}
	return checkMagnitude("values", r.Values)
}

// PercentileResponse is returned by the percentile endpoints.
type PercentileResponse struct {
	Success     bool          `json:"success"`
	Anomaly     *AnomalyScore `json:"anomaly"`
	Percentiles PercentileSet `json:"percentiles"`
}

// AggregateRequest is the body of POST /anomalies/aggregate.
type AggregateRequest struct {
	Scores []AnomalyScore `json:"scores"`
}

// Validate normalizes the submitted scores.
func (r *AggregateRequest) Validate() error {
	if r.Scores == nil {
		return invalid("scores must be an array")
	}
	if err := checkMagnitude("scores", scoreValues(r.Scores)); err != nil {
		return err
	}
	r.Scores = normalizeScores(r.Scores)
	return nil
}

// AggregateResponse is returned by POST /anomalies/aggregate.
type AggregateResponse struct {
	Success bool `json:"success"`
	AggregatedAnomalyResult
}

// CriticalRequest is the body of POST /anomalies/critical.
type CriticalRequest struct {
	Anomalies []AnomalyScore `json:"anomalies"`
}

// Validate normalizes the submitted anomalies.
func (r *CriticalRequest) Validate() error {
	if r.Anomalies == nil {
		return invalid("anomalies must be an array")
	}
	r.Anomalies = normalizeScores(r.Anomalies)
	return nil
}

// CriticalResponse is returned by POST /anomalies/critical.
type CriticalResponse struct {
	Success  bool           `json:"success"`
	Critical []AnomalyScore `json:"critical"`
	Count    int            `json:"count"`
}

// TrendRequest is the body of POST /anomalies/trend.
type TrendRequest struct {
	Values     []float64 `json:"values"`
	Timestamps []int64   `json:"timestamps,omitempty"`
	WindowSize *int      `json:"windowSize,omitempty"`
}

// Validate checks the trend payload and applies the default window.
func (r *TrendRequest) Validate() error {
	if r.Values == nil {
		return invalid("values must be an array")
	}
	if r.Timestamps != nil && len(r.Timestamps) != len(r.Values) {
		return invalid("timestamps length (%d) must match values length (%d)", len(r.Timestamps), len(r.Values))
	}
	if r.WindowSize == nil {
		w := DefaultTrendWindow
		r.WindowSize = &w
	}
	if *r.WindowSize <= 0 {
		return invalid("windowSize must be positive")
	}
	return checkMagnitude("values", r.Values)
}

// TrendResponse is returned by POST /anomalies/trend.
type TrendResponse struct {
	Success bool `json:"success"`
	TrendResult
}

// TimelineRequest is the body of POST /anomalies/timeline.
type TimelineRequest struct {
	Scores    []AnomalyScore `json:"scores"`
	TimeRange *TimeRange     `json:"timeRange,omitempty"`
}

// Validate normalizes the scores and checks the optional range.
func (r *TimelineRequest) Validate() error {
	if r.Scores == nil {
		return invalid("scores must be an array")
	}
	if r.TimeRange != nil && r.TimeRange.End < r.TimeRange.Start {
		return invalid("timeRange.end must not precede timeRange.start")
	}
	if err := checkMagnitude("scores", scoreValues(r.Scores)); err != nil {
		return err
	}
	r.Scores = normalizeScores(r.Scores)
	return nil
}

// TimelineResponse is returned by POST /anomalies/timeline.
type TimelineResponse struct {
	Success bool `json:"success"`
	TimelineResult
}

// CreateAlertRequest is the body of POST /anomalies/alerts/create.
type CreateAlertRequest struct {
	Metric       string        `json:"metric"`
	AnomalyScore *AnomalyScore `json:"anomalyScore"`
	Context      *AlertContext `json:"context,omitempty"`
}

// Validate checks the alert creation payload.
func (r *CreateAlertRequest) Validate() error {
	r.Metric = strings.TrimSpace(r.Metric)
	if r.Metric == "" {
		return invalid("metric is required")
	}
	if r.AnomalyScore == nil {
		return invalid("anomalyScore is required")
	}
	n := r.AnomalyScore.Normalize()
	r.AnomalyScore = &n
	return nil
}

// AlertResponse wraps a single alert.
type AlertResponse struct {
	Success      bool          `json:"success"`
	Alert        *AnomalyAlert `json:"alert"`
	Deduplicated bool          `json:"deduplicated,omitempty"`
}

// AlertsResponse wraps a list of alerts.
type AlertsResponse struct {
	Success bool           `json:"success"`
	Alerts  []AnomalyAlert `json:"alerts"`
	Count   int            `json:"count"`
}

// AlertHistoryResponse wraps an alert history summary.
type AlertHistoryResponse struct {
	Success bool `json:"success"`
	AlertHistorySummary
}

// ResolveAlertRequest is the optional body of POST /anomalies/alerts/{id}/resolve.
type ResolveAlertRequest struct {
	ResolvedBy string `json:"resolvedBy,omitempty"`
}

// ResolveAlertResponse is returned on a successful resolution.
type ResolveAlertResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
}

// AlertStatsResponse wraps alert statistics.
type AlertStatsResponse struct {
	Success bool `json:"success"`
	AlertStats
}

// IngestResponse is returned by POST /metrics.
type IngestResponse struct {
	Success bool `json:"success"`
	StreamResult
}

// BatchIngestResponse is returned by POST /metrics/batch.
type BatchIngestResponse struct {
	Success        bool           `json:"success"`
	Processed      int            `json:"processed"`
	AnomaliesFound int            `json:"anomaliesFound"`
	Results        []StreamResult `json:"results"`
}

// AsyncIngestResponse is returned by POST /metrics/batch?async=true.
type AsyncIngestResponse struct {
	Success  bool `json:"success"`
	Accepted int  `json:"accepted"`
	Dropped  int  `json:"dropped"`
}

// HistoryResponse returns the rolling history of one series.
type HistoryResponse struct {
	Success bool     `json:"success"`
	Metric  string   `json:"metric"`
	Samples []Sample `json:"samples"`
	Count   int      `json:"count"`
}

// SeriesResponse lists the tracked series.
type SeriesResponse struct {
	Success bool     `json:"success"`
	Series  []string `json:"series"`
	Count   int      `json:"count"`
}

// ErrorResponse is the failure envelope.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// ValidateSample checks a streamed sample.
func ValidateSample(s *Sample) error {
	s.Metric = strings.TrimSpace(s.Metric)
	if s.Metric == "" {
		return invalid("metric is required")
	}
	return nil
}

func normalizeScores(in []AnomalyScore) []AnomalyScore {
	out := make([]AnomalyScore, len(in))
	for i, s := range in {
		out[i] = s.Normalize()
	}
	return out
}
