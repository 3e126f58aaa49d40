package stats

// CalculateZScores returns (x - mean) / stddev for every element using the
// population statistics of the series itself. A flat series scores 0
// everywhere.
func CalculateZScores(series []float64) []float64 {
	scores := make([]float64, len(series))
	if len(series) == 0 {
		return scores
	}
	mean := Mean(series)
	sd := StdDev(series)
	if isFlat(mean, sd) {
		return scores
	}
	for i, x := range series {
		scores[i] = (x - mean) / sd
	}
	return scores
}

// ScoreAgainstDistribution scores a single external value against the mean
// and standard deviation of series. Empty or flat series score 0.
func ScoreAgainstDistribution(series []float64, value float64) float64 {
	if len(series) == 0 {
		return 0
	}
	mean := Mean(series)
	sd := StdDev(series)
	if isFlat(mean, sd) {
		return 0
	}
	return (value - mean) / sd
}
