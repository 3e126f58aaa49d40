package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anomaly-service/internal/models"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testAlert(id, metric string, score float64, created time.Time) models.AnomalyAlert {
	s := models.NewAnomalyScore(0, 100, score, models.MethodZScore, created.UnixMilli(), nil)
	n := 10
	return models.AnomalyAlert{
		ID:        id,
		Metric:    metric,
		Severity:  s.Severity,
		Message:   metric + ": " + s.Message,
		Score:     s,
		Context:   &models.AlertContext{SeriesLength: &n, Source: "test"},
		CreatedAt: created,
	}
}

func ids(alerts []models.AnomalyAlert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.ID
	}
	return out
}

// testStoreContract exercises a Store that starts empty.
func testStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	a := testAlert("a", "cpu", 3.2, baseTime)
	b := testAlert("b", "rps", 4.1, baseTime.Add(time.Second))
	c := testAlert("c", "cpu", -3.1, baseTime.Add(2*time.Second))
	for _, alert := range []models.AnomalyAlert{a, b, c} {
		require.NoError(t, store.Insert(ctx, alert))
	}

	t.Run("get", func(t *testing.T) {
		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "cpu", got.Metric)
		assert.Equal(t, models.SeverityHigh, got.Severity)
		assert.WithinDuration(t, baseTime, got.CreatedAt, 0)
		assert.InDelta(t, 3.2, got.Score.Score, 1e-12)
		require.NotNil(t, got.Context)
		require.NotNil(t, got.Context.SeriesLength)
		assert.Equal(t, 10, *got.Context.SeriesLength)
		assert.False(t, got.Resolved())

		_, err = store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrAlertNotFound)
	})

	t.Run("duplicate", func(t *testing.T) {
		err := store.Insert(ctx, a)
		assert.ErrorIs(t, err, ErrDuplicateAlert)
	})

	t.Run("recent", func(t *testing.T) {
		all, err := store.Recent(ctx, 0, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b", "a"}, ids(all))

		two, err := store.Recent(ctx, 2, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b"}, ids(two))

		high, err := store.Recent(ctx, 10, models.SeverityHigh)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "a"}, ids(high))

		none, err := store.Recent(ctx, 10, models.SeverityLow)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("range", func(t *testing.T) {
		got, err := store.Range(ctx, baseTime.Add(time.Second), baseTime.Add(2*time.Second), "")
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b"}, ids(got))

		got, err = store.Range(ctx, baseTime, baseTime.Add(2*time.Second), models.SeverityCritical)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids(got))

		got, err = store.Range(ctx, baseTime.Add(time.Hour), baseTime.Add(2*time.Hour), "")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("resolve", func(t *testing.T) {
		at := baseTime.Add(time.Minute)
		by := "ops"
		got, changed, err := store.Resolve(ctx, "a", at, &by)
		require.NoError(t, err)
		assert.True(t, changed)
		require.True(t, got.Resolved())
		assert.WithinDuration(t, at, *got.ResolvedAt, 0)

		other := "someone-else"
		got, changed, err = store.Resolve(ctx, "a", at.Add(time.Minute), &other)
		require.NoError(t, err)
		assert.False(t, changed)
		require.NotNil(t, got.ResolvedBy)
		assert.Equal(t, "ops", *got.ResolvedBy)
		assert.WithinDuration(t, at, *got.ResolvedAt, 0)

		stored, err := store.Get(ctx, "a")
		require.NoError(t, err)
		require.NotNil(t, stored.ResolvedBy)
		assert.Equal(t, "ops", *stored.ResolvedBy)

		_, _, err = store.Resolve(ctx, "missing", at, nil)
		assert.ErrorIs(t, err, ErrAlertNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	testStoreContract(t, store)
	assert.Equal(t, 3, store.Len())
}

func TestMemoryStore_EmptyResultsAreNotNil(t *testing.T) {
	store := NewMemoryStore()
	recent, err := store.Recent(context.Background(), 5, "")
	require.NoError(t, err)
	assert.NotNil(t, recent)
	assert.Empty(t, recent)
}
