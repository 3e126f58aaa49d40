// Package models contains the data structures shared by the detector, the
// alert service and the HTTP API.
package models

import "time"

// Sample is a single observation of a named metric series.
type Sample struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"` // unix millis
}

// SampleBatch is the payload of a bulk ingestion request.
type SampleBatch struct {
	Samples []Sample `json:"samples"`
}

// SplitSamples returns the values and timestamps of samples as parallel slices.
func SplitSamples(samples []Sample) ([]float64, []int64) {
	values := make([]float64, len(samples))
	timestamps := make([]int64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
		timestamps[i] = s.Timestamp
	}
	return values, timestamps
}

// StreamResult is the outcome of scoring one streamed sample against the
// rolling history of its series.
type StreamResult struct {
	Sample        Sample        `json:"sample"`
	Score         AnomalyScore  `json:"score"`
	HistoryLength int           `json:"historyLength"`
	RollingAvg    float64       `json:"rollingAverage"`
	Alert         *AnomalyAlert `json:"alert,omitempty"`
	AlertError    string        `json:"alertError,omitempty"`
}

// HealthStatus reports service health.
type HealthStatus struct {
	Success   bool      `json:"success"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Redis     string    `json:"redis"`
	Store     string    `json:"store"`
	Uptime    string    `json:"uptime"`
}

// StatsResponse contains service counters.
type StatsResponse struct {
	Success         bool    `json:"success"`
	TotalSamples    int64   `json:"totalSamples"`
	AnomaliesCount  int64   `json:"anomaliesCount"`
	TrackedSeries   int     `json:"trackedSeries"`
	QueueDropped    int64   `json:"queueDropped"`
	AvgAnalysisMs   float64 `json:"avgAnalysisMs"`
	ActiveGoroutine int     `json:"activeGoroutines"`
}
