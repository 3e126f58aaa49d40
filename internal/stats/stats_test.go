package stats

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anomaly-service/internal/models"
)

func TestComputePercentiles_R7(t *testing.T) {
	got := ComputePercentiles([]float64{5, 1, 4, 2, 3})

	assert.InDelta(t, 3.0, got.P50, 1e-9)
	assert.InDelta(t, 4.0, got.P75, 1e-9)
	assert.InDelta(t, 4.6, got.P90, 1e-9)
	assert.InDelta(t, 4.8, got.P95, 1e-9)
	assert.InDelta(t, 4.96, got.P99, 1e-9)
}

func TestComputePercentiles_Empty(t *testing.T) {
	assert.Equal(t, models.PercentileSet{}, ComputePercentiles(nil))
	assert.Equal(t, models.PercentileSet{}, ComputePercentiles([]float64{}))
}

func TestComputePercentiles_SingleValue(t *testing.T) {
	got := ComputePercentiles([]float64{42})
	assert.Equal(t, models.PercentileSet{P50: 42, P75: 42, P90: 42, P95: 42, P99: 42}, got)
}

func TestComputePercentiles_DoesNotMutateInput(t *testing.T) {
	values := []float64{9, 3, 7, 1}
	ComputePercentiles(values)
	assert.Equal(t, []float64{9, 3, 7, 1}, values)
}

func TestComputePercentiles_Monotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		values := make([]float64, 1+rng.Intn(60))
		for j := range values {
			values[j] = rng.NormFloat64()*50 + 10
		}
		p := ComputePercentiles(values)
		require.LessOrEqual(t, p.P50, p.P75)
		require.LessOrEqual(t, p.P75, p.P90)
		require.LessOrEqual(t, p.P90, p.P95)
		require.LessOrEqual(t, p.P95, p.P99)
	}
}

func TestQuantileSorted_Bounds(t *testing.T) {
	values := []float64{10, 20, 30}
	assert.Equal(t, 10.0, quantileSorted(values, 0))
	assert.Equal(t, 30.0, quantileSorted(values, 1))
	assert.Equal(t, 20.0, quantileSorted(values, 0.5))
	assert.Equal(t, 25.0, quantileSorted(values, 0.75))
}

func TestPopulationStatistics(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}

	assert.InDelta(t, 5.0, Mean(values), 1e-12)
	assert.InDelta(t, 4.0, Variance(values), 1e-12)
	assert.InDelta(t, 2.0, StdDev(values), 1e-12)
}

func TestStatistics_Degenerate(t *testing.T) {
	assert.Equal(t, 0.0, Mean(nil))
	assert.Equal(t, 0.0, Variance(nil))
	assert.Equal(t, 0.0, StdDev(nil))
	assert.Equal(t, 0.0, StdDev([]float64{5}))
	assert.Equal(t, 0.0, Variance([]float64{5}))
	assert.Equal(t, 5.0, Mean([]float64{5}))
}
