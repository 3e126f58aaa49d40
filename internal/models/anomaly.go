package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Severity classifies how far a value deviates from its reference set.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severity thresholds on abs(score).
const (
	MediumThreshold   = 2.0
	HighThreshold     = 3.0
	CriticalThreshold = 3.5
)

// ErrInvalidSeverity is returned by ParseSeverity for unknown labels.
var ErrInvalidSeverity = errors.New("invalid severity: must be one of low, medium, high, critical")

// Severities lists every severity in ascending rank order.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank maps a severity to its ordinal: low=1, medium=2, high=3, critical=4.
// Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s ranks at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity parses a severity label. The empty string is accepted and
// returned as-is so callers can treat it as "no filter".
func ParseSeverity(v string) (Severity, error) {
	if v == "" {
		return "", nil
	}
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if s.Rank() == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidSeverity, v)
	}
	return s, nil
}

// SeverityFromScore derives the severity from abs(score).
func SeverityFromScore(score float64) Severity {
	abs := math.Abs(score)
	switch {
	case abs >= CriticalThreshold:
		return SeverityCritical
	case abs >= HighThreshold:
		return SeverityHigh
	case abs >= MediumThreshold:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Detection methods recorded in AnomalyScore.Percentile.
const (
	MethodZScore = "zscore"
	MethodP95    = "p95"
	MethodP99    = "p99"
)

// PercentileSet holds the standard percentiles of a series.
type PercentileSet struct {
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	P90 float64 `json:"p90"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// ScoreContext is optional detection metadata attached to an AnomalyScore.
type ScoreContext struct {
	Percentiles *PercentileSet    `json:"percentiles,omitempty"`
	Threshold   *float64          `json:"threshold,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// IsEmpty reports whether no field of the context is set.
func (c *ScoreContext) IsEmpty() bool {
	return c == nil || (c.Percentiles == nil && c.Threshold == nil && len(c.Labels) == 0)
}

// AnomalyScore is the detector's output for a single point.
type AnomalyScore struct {
	Index      int           `json:"index"`
	Value      float64       `json:"value"`
	Score      float64       `json:"score"`
	Severity   Severity      `json:"severity"`
	Deviation  float64       `json:"deviation"`
	Percentile string        `json:"percentile"`
	IsAnomaly  bool          `json:"isAnomaly"`
	Timestamp  int64         `json:"timestamp"`
	Message    string        `json:"message"`
	Context    *ScoreContext `json:"context,omitempty"`
}

// NewAnomalyScore builds a score whose severity, anomaly flag, deviation and
// message are all derived from score.
func NewAnomalyScore(index int, value, score float64, method string, timestamp int64, ctx *ScoreContext) AnomalyScore {
	severity := SeverityFromScore(score)
	if ctx.IsEmpty() {
		ctx = nil
	}
	return AnomalyScore{
		Index:      index,
		Value:      value,
		Score:      score,
		Severity:   severity,
		Deviation:  score,
		Percentile: method,
		IsAnomaly:  severity.AtLeast(SeverityMedium),
		Timestamp:  timestamp,
		Message:    fmt.Sprintf("%s anomaly detected (score: %.2f)", strings.ToUpper(string(severity)), score),
		Context:    ctx,
	}
}

// Normalize recomputes the derived fields from Score. It is applied to scores
// received from clients so that the severity invariants hold regardless of
// what the payload claimed.
func (a AnomalyScore) Normalize() AnomalyScore {
	n := NewAnomalyScore(a.Index, a.Value, a.Score, a.Percentile, a.Timestamp, a.Context)
	if n.Percentile == "" {
		n.Percentile = MethodZScore
	}
	return n
}

// TimelineEntry is one point of an aggregated timeline.
type TimelineEntry struct {
	Score     float64  `json:"score"`
	Severity  Severity `json:"severity"`
	Timestamp int64    `json:"timestamp"`
}

// AggregatedAnomalyResult summarises a batch of anomaly scores.
type AggregatedAnomalyResult struct {
	TotalCount           int              `json:"totalCount"`
	CriticalCount        int              `json:"criticalCount"`
	HighCount            int              `json:"highCount"`
	MediumCount          int              `json:"mediumCount"`
	LowCount             int              `json:"lowCount"`
	SeverityDistribution map[Severity]int `json:"severityDistribution"`
	AggregatedScore      float64          `json:"aggregatedScore"`
	Timeline             []TimelineEntry  `json:"timeline"`
}

// Trend directions.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// TrendResult describes how the last value of a series compares to the
// average of its trailing window.
type TrendResult struct {
	Trend         string  `json:"trend"`
	Deviation     float64 `json:"deviation"`
	IsSignificant bool    `json:"isSignificant"`
	WindowSize    int     `json:"windowSize"`
	Average       float64 `json:"average"`
	LastValue     float64 `json:"lastValue"`
}

// TimeRange is an inclusive range of unix millis.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Contains reports whether ts lies within the range, both ends inclusive.
func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.Start && ts <= r.End
}

// TimelineSummary is computed over the scores that fall inside a timeline range.
type TimelineSummary struct {
	TotalAnomalies    int     `json:"totalAnomalies"`
	CriticalAnomalies int     `json:"criticalAnomalies"`
	HighAnomalies     int     `json:"highAnomalies"`
	AverageScore      float64 `json:"averageScore"`
}

// TimelineResult is the output of GenerateAnomalyTimeline.
type TimelineResult struct {
	Timeline []AnomalyScore  `json:"timeline"`
	Summary  TimelineSummary `json:"summary"`
	Range    TimeRange       `json:"range"`
}
