package analytics

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"anomaly-service/internal/models"
	"anomaly-service/internal/stats"
)

// trendSensitivity is the fraction of the window average that the last value
// must deviate by to count as a trend.
const trendSensitivity = 0.1

// Detector classifies metric series using z-score and percentile methods.
// It holds no mutable state and is safe for concurrent use.
type Detector struct {
	logger *zap.Logger
	now    func() time.Time
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithClock overrides the time source used for synthesised timestamps.
func WithClock(now func() time.Time) DetectorOption {
	return func(d *Detector) { d.now = now }
}

// NewDetector creates a detector. A nil logger disables logging.
func NewDetector(logger *zap.Logger, opts ...DetectorOption) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Detector) nowMillis() int64 {
	return d.now().UnixMilli()
}

// DetectAnomalies z-scores the whole series and returns only the points
// flagged as anomalous. When timestamps is shorter than values the missing
// timestamps are synthesised one second apart, ending now.
func (d *Detector) DetectAnomalies(metric string, values []float64, timestamps []int64) []models.AnomalyScore {
	anomalies := make([]models.AnomalyScore, 0)
	if len(values) == 0 {
		d.logger.Debug("skipping detection on empty series", zap.String("metric", metric))
		return anomalies
	}

	ts := d.resolveTimestamps(len(values), timestamps)
	zscores := stats.CalculateZScores(values)
	percentiles := stats.ComputePercentiles(values)

	for i, z := range zscores {
		score := models.NewAnomalyScore(i, values[i], z, models.MethodZScore, ts[i], &models.ScoreContext{
			Percentiles: &percentiles,
		})
		if score.IsAnomaly {
			anomalies = append(anomalies, score)
		}
	}

	d.logger.Debug("detection complete",
		zap.String("metric", metric),
		zap.Int("points", len(values)),
		zap.Int("anomalies", len(anomalies)),
	)
	return anomalies
}

func (d *Detector) resolveTimestamps(n int, timestamps []int64) []int64 {
	if len(timestamps) == n {
		return timestamps
	}
	now := d.nowMillis()
	ts := make([]int64, n)
	for i := range ts {
		ts[i] = now - int64(n-1-i)*1000
	}
	return ts
}

// DetectP95Anomaly reports the first value, in input order, at or above the
// 95th percentile. The returned score is nil when nothing qualifies.
func (d *Detector) DetectP95Anomaly(values []float64, timestamps []int64) (*models.AnomalyScore, models.PercentileSet) {
	return d.detectPercentileAnomaly(values, timestamps, models.MethodP95)
}

// DetectP99Anomaly is DetectP95Anomaly for the 99th percentile.
func (d *Detector) DetectP99Anomaly(values []float64, timestamps []int64) (*models.AnomalyScore, models.PercentileSet) {
	return d.detectPercentileAnomaly(values, timestamps, models.MethodP99)
}

func (d *Detector) detectPercentileAnomaly(values []float64, timestamps []int64, method string) (*models.AnomalyScore, models.PercentileSet) {
	percentiles := stats.ComputePercentiles(values)
	if len(values) == 0 {
		return nil, percentiles
	}

	threshold := percentiles.P95
	if method == models.MethodP99 {
		threshold = percentiles.P99
	}

	for i, v := range values {
		if v < threshold {
			continue
		}
		ts := d.nowMillis()
		if i < len(timestamps) {
			ts = timestamps[i]
		}
		z := stats.ScoreAgainstDistribution(values, v)
		score := models.NewAnomalyScore(i, v, z, method, ts, &models.ScoreContext{
			Percentiles: &percentiles,
			Threshold:   &threshold,
		})
		return &score, percentiles
	}
	return nil, percentiles
}

// AggregateAnomalyScores tallies severities and builds a timeline sorted by
// timestamp.
func (d *Detector) AggregateAnomalyScores(scores []models.AnomalyScore) models.AggregatedAnomalyResult {
	result := models.AggregatedAnomalyResult{
		TotalCount:           len(scores),
		SeverityDistribution: make(map[models.Severity]int, len(models.Severities)),
		Timeline:             make([]models.TimelineEntry, 0, len(scores)),
	}
	for _, s := range models.Severities {
		result.SeverityDistribution[s] = 0
	}

	for _, s := range scores {
		sev := s.Severity
		if sev.Rank() == 0 {
			sev = models.SeverityFromScore(s.Score)
		}
		result.SeverityDistribution[sev]++
		switch sev {
		case models.SeverityCritical:
			result.CriticalCount++
		case models.SeverityHigh:
			result.HighCount++
		case models.SeverityMedium:
			result.MediumCount++
		default:
			result.LowCount++
		}
		result.AggregatedScore += math.Abs(s.Score)
		result.Timeline = append(result.Timeline, models.TimelineEntry{
			Score:     s.Score,
			Severity:  sev,
			Timestamp: s.Timestamp,
		})
	}

	sort.SliceStable(result.Timeline, func(i, j int) bool {
		return result.Timeline[i].Timestamp < result.Timeline[j].Timestamp
	})
	return result
}

// IdentifyCriticalAnomalies keeps scores ranked high or critical. This is a
// stricter cut than IsAnomaly, which already includes medium.
func (d *Detector) IdentifyCriticalAnomalies(scores []models.AnomalyScore) []models.AnomalyScore {
	critical := make([]models.AnomalyScore, 0)
	for _, s := range scores {
		if s.Severity.AtLeast(models.SeverityHigh) {
			critical = append(critical, s)
		}
	}
	return critical
}

// DetectTrendDeviation compares the last value with the average of the
// trailing windowSize values. windowSize is clamped to the series length;
// a non-positive windowSize uses models.DefaultTrendWindow.
func (d *Detector) DetectTrendDeviation(values []float64, windowSize int) models.TrendResult {
	if len(values) == 0 {
		return models.TrendResult{Trend: models.TrendStable}
	}
	if windowSize <= 0 {
		windowSize = models.DefaultTrendWindow
	}
	if windowSize > len(values) {
		windowSize = len(values)
	}

	window := values[len(values)-windowSize:]
	average := stats.Mean(window)
	last := values[len(values)-1]
	deviation := last - average

	trend := models.TrendStable
	switch {
	case deviation > trendSensitivity*average:
		trend = models.TrendIncreasing
	case deviation < -trendSensitivity*average:
		trend = models.TrendDecreasing
	}

	return models.TrendResult{
		Trend:         trend,
		Deviation:     deviation,
		IsSignificant: math.Abs(deviation) > math.Abs(average)*trendSensitivity,
		WindowSize:    windowSize,
		Average:       average,
		LastValue:     last,
	}
}

// GenerateAnomalyTimeline filters scores into tr (both ends inclusive) and
// summarises them. When tr is nil the range spans the scores' timestamps, or
// collapses to now when there are no scores.
func (d *Detector) GenerateAnomalyTimeline(scores []models.AnomalyScore, tr *models.TimeRange) models.TimelineResult {
	var rng models.TimeRange
	switch {
	case tr != nil:
		rng = *tr
	case len(scores) == 0:
		now := d.nowMillis()
		rng = models.TimeRange{Start: now, End: now}
	default:
		rng = models.TimeRange{Start: scores[0].Timestamp, End: scores[0].Timestamp}
		for _, s := range scores[1:] {
			if s.Timestamp < rng.Start {
				rng.Start = s.Timestamp
			}
			if s.Timestamp > rng.End {
				rng.End = s.Timestamp
			}
		}
	}

	timeline := make([]models.AnomalyScore, 0, len(scores))
	var summary models.TimelineSummary
	var total float64
	for _, s := range scores {
		if !rng.Contains(s.Timestamp) {
			continue
		}
		timeline = append(timeline, s)
		switch s.Severity {
		case models.SeverityCritical:
			summary.CriticalAnomalies++
		case models.SeverityHigh:
			summary.HighAnomalies++
		}
		total += math.Abs(s.Score)
	}
	summary.TotalAnomalies = len(timeline)
	if len(timeline) > 0 {
		summary.AverageScore = total / float64(len(timeline))
	}

	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Timestamp < timeline[j].Timestamp
	})

	return models.TimelineResult{Timeline: timeline, Summary: summary, Range: rng}
}
