// Package stats implements the descriptive statistics used by the detector:
// population mean, variance and standard deviation, R-7 percentiles and
// z-scores. All functions are pure and safe for concurrent use.
package stats

import (
	"math"
	"sort"

	mstats "github.com/montanaflynn/stats"

	"anomaly-service/internal/models"
)

// flatTolerance is the relative spread below which a series is treated as
// constant. Summation error on a constant series can leave a stddev of a few
// ulps, which would otherwise blow up into arbitrary z-scores.
const flatTolerance = 1e-12

// Mean returns the arithmetic mean, or 0 for an empty series.
func Mean(values []float64) float64 {
	m, err := mstats.Mean(mstats.Float64Data(values))
	if err != nil {
		return 0
	}
	return m
}

// Variance returns the population variance, or 0 for an empty series.
func Variance(values []float64) float64 {
	v, err := mstats.PopulationVariance(mstats.Float64Data(values))
	if err != nil || math.IsNaN(v) {
		return 0
	}
	return v
}

// StdDev returns the population standard deviation. It is 0 for empty and
// single-value series.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sd, err := mstats.StandardDeviationPopulation(mstats.Float64Data(values))
	if err != nil || math.IsNaN(sd) {
		return 0
	}
	return sd
}

// ComputePercentiles returns p50/p75/p90/p95/p99 of values.
func ComputePercentiles(values []float64) models.PercentileSet {
	if len(values) == 0 {
		return models.PercentileSet{}
	}
	sorted := sortedCopy(values)
	return models.PercentileSet{
		P50: quantileSorted(sorted, 0.50),
		P75: quantileSorted(sorted, 0.75),
		P90: quantileSorted(sorted, 0.90),
		P95: quantileSorted(sorted, 0.95),
		P99: quantileSorted(sorted, 0.99),
	}
}

func sortedCopy(values []float64) []float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return sorted
}

// quantileSorted returns the p-th quantile (0 <= p <= 1) of a sorted,
// non-empty series using linear interpolation between closest ranks
// (Hyndman & Fan type 7, the default of R and NumPy).
func quantileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 || p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}
	h := p * float64(n-1)
	lo := int(math.Floor(h))
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := h - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// isFlat reports whether sd is negligible relative to the scale of the data.
func isFlat(mean, sd float64) bool {
	if sd == 0 {
		return true
	}
	return sd <= flatTolerance*math.Max(1, math.Abs(mean))
}
