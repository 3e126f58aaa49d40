package models

import "time"

// AlertContext carries metadata captured when an alert is raised.
type AlertContext struct {
	SeriesLength *int              `json:"seriesLength,omitempty"`
	Source       string            `json:"source,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// AnomalyAlert is a persisted alert. It is created once and mutated at most
// once, to record its resolution.
type AnomalyAlert struct {
	ID         string        `json:"id"`
	Metric     string        `json:"metric"`
	Severity   Severity      `json:"severity"`
	Message    string        `json:"message"`
	Score      AnomalyScore  `json:"anomalyScore"`
	Context    *AlertContext `json:"context,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
	ResolvedBy *string       `json:"resolvedBy,omitempty"`
}

// Resolved reports whether the alert has been resolved.
func (a AnomalyAlert) Resolved() bool {
	return a.ResolvedAt != nil
}

// AlertHistorySummary is the result of a time-scoped alert query.
type AlertHistorySummary struct {
	TotalCount int            `json:"totalCount"`
	TimeRange  AlertTimeRange `json:"timeRange"`
	Entries    []AnomalyAlert `json:"entries"`
}

// AlertTimeRange is the concrete window of an alert query.
type AlertTimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// AlertStats aggregates alert counts over a labelled time range.
type AlertStats struct {
	TimeRange  string           `json:"timeRange"`
	Start      time.Time        `json:"start"`
	End        time.Time        `json:"end"`
	Total      int              `json:"total"`
	BySeverity map[Severity]int `json:"bySeverity"`
	Resolved   int              `json:"resolved"`
	Unresolved int              `json:"unresolved"`
	Metrics    map[string]int   `json:"byMetric"`
}
