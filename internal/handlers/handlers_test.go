package handlers

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"anomaly-service/internal/alerts"
	"anomaly-service/internal/analytics"
	"anomaly-service/internal/models"
)

type testServer struct {
	router   *mux.Router
	store    *alerts.MemoryStore
	analyzer *analytics.Analyzer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	det := analytics.NewDetector(nil)
	store := alerts.NewMemoryStore()
	svc := alerts.NewService(store)
	an := analytics.NewAnalyzer(analytics.AnalyzerConfig{BufferSize: 100, MinSamples: 5}, analytics.NewShardedHistory(100, 4), det, svc, nil)
	h := NewHandler(Deps{Detector: det, Analyzer: an, Alerts: svc, StoreName: "memory"})
	return &testServer{router: NewRouter(h, nil), store: store, analyzer: an}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	var resp models.ErrorResponse
	decodeJSON(t, rec, &resp)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestDetect_SingleOutlier(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/anomalies/detect", `{"metric":"orders","values":[1,1,1,1,1,1,1,1,1,100]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.DetectResponse
	decodeJSON(t, rec, &resp)
	assert.True(t, resp.Success)
	require.Equal(t, 1, resp.AnomalyCount)
	require.Len(t, resp.Anomalies, 1)
	assert.Equal(t, 9, resp.Anomalies[0].Index)
	assert.Equal(t, models.SeverityHigh, resp.Anomalies[0].Severity)
	assert.True(t, resp.Anomalies[0].IsAnomaly)
	assert.InDelta(t, 3.0, resp.Anomalies[0].Score, 1e-9)

	// high results are alerted
	require.Len(t, resp.Alerts, 1)
	assert.Equal(t, "orders", resp.Alerts[0].Metric)
	assert.Equal(t, 10, *resp.Alerts[0].Context.SeriesLength)
	assert.Equal(t, 1, s.store.Len())
}

func TestDetect_NoAnomalies(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/anomalies/detect", `{"values":[5,5,5,5]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.DetectResponse
	decodeJSON(t, rec, &resp)
	assert.Zero(t, resp.AnomalyCount)
	assert.NotNil(t, resp.Anomalies)
	assert.Empty(t, resp.Alerts)
	assert.Contains(t, rec.Body.String(), `"anomalies":[]`)
}

func TestDetect_Validation(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"missing values", `{"metric":"m"}`},
		{"empty values", `{"values":[]}`},
		{"values not an array", `{"values":"1,2,3"}`},
		{"length mismatch", `{"values":[1,2,3],"timestamps":[1,2]}`},
		{"malformed json", `{"values":[1,2`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, s.do(t, http.MethodPost, "/anomalies/detect", tt.body), http.StatusBadRequest)
		})
	}
}

func TestPercentile_EmptyValues(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/anomalies/p95", "/anomalies/p99"} {
		rec := s.do(t, http.MethodPost, path, `{"values":[]}`)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Body.String(), `"anomaly":null`)

		var resp models.PercentileResponse
		decodeJSON(t, rec, &resp)
		assert.True(t, resp.Success)
		assert.Nil(t, resp.Anomaly)
		assert.Equal(t, models.PercentileSet{}, resp.Percentiles)
	}

	assertError(t, s.do(t, http.MethodPost, "/anomalies/p95", `{}`), http.StatusBadRequest)
}

func TestPercentile_P95(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/anomalies/p95", `{"values":[10,50,1,2,3,50,4],"timestamps":[1,2,3,4,5,6,7]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.PercentileResponse
	decodeJSON(t, rec, &resp)
	require.NotNil(t, resp.Anomaly)
	assert.Equal(t, 1, resp.Anomaly.Index)
	assert.Equal(t, int64(2), resp.Anomaly.Timestamp)
	assert.Equal(t, models.MethodP95, resp.Anomaly.Percentile)
	assert.InDelta(t, 50.0, resp.Percentiles.P95, 1e-9)
	require.NotNil(t, resp.Anomaly.Context)
	assert.InDelta(t, 50.0, *resp.Anomaly.Context.Threshold, 1e-9)
}

func TestTrend(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/anomalies/trend", `{"values":[10,10,10,10,20],"windowSize":5}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.TrendResponse
	decodeJSON(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, models.TrendIncreasing, resp.Trend)
	assert.InDelta(t, 12.0, resp.Average, 1e-9)
	assert.InDelta(t, 8.0, resp.Deviation, 1e-9)
	assert.Equal(t, 20.0, resp.LastValue)
	assert.True(t, resp.IsSignificant)

	// windowSize defaults to 10 and is clamped to the series
	rec = s.do(t, http.MethodPost, "/anomalies/trend", `{"values":[10,10,10,10,20]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &resp)
	assert.Equal(t, 5, resp.WindowSize)

	assertError(t, s.do(t, http.MethodPost, "/anomalies/trend", `{"values":[1,2],"windowSize":0}`), http.StatusBadRequest)
}

func TestAggregateAndCritical(t *testing.T) {
	s := newTestServer(t)
	scores := `[{"score":4.0,"timestamp":30},{"score":-3.2,"timestamp":10},{"score":2.5,"timestamp":20},{"score":0.5,"timestamp":5}]`

	rec := s.do(t, http.MethodPost, "/anomalies/aggregate", `{"scores":`+scores+`}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var agg models.AggregateResponse
	decodeJSON(t, rec, &agg)
	assert.Equal(t, 4, agg.TotalCount)
	assert.Equal(t, 1, agg.CriticalCount)
	assert.Equal(t, 1, agg.HighCount)
	assert.Equal(t, 1, agg.MediumCount)
	assert.Equal(t, 1, agg.LowCount)
	assert.InDelta(t, 10.2, agg.AggregatedScore, 1e-9)
	require.Len(t, agg.Timeline, 4)
	assert.Equal(t, int64(5), agg.Timeline[0].Timestamp)

	rec = s.do(t, http.MethodPost, "/anomalies/critical", `{"anomalies":`+scores+`}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var crit models.CriticalResponse
	decodeJSON(t, rec, &crit)
	assert.Equal(t, 2, crit.Count)
	assert.Equal(t, models.SeverityCritical, crit.Critical[0].Severity)
	assert.Equal(t, models.SeverityHigh, crit.Critical[1].Severity)

	assertError(t, s.do(t, http.MethodPost, "/anomalies/aggregate", `{}`), http.StatusBadRequest)
}

func TestTimeline(t *testing.T) {
	s := newTestServer(t)
	body := `{"scores":[{"score":4,"timestamp":300},{"score":-3,"timestamp":100},{"score":2,"timestamp":200}],"timeRange":{"start":100,"end":200}}`

	rec := s.do(t, http.MethodPost, "/anomalies/timeline", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp models.TimelineResponse
	decodeJSON(t, rec, &resp)
	require.Len(t, resp.Timeline, 2)
	assert.Equal(t, int64(100), resp.Timeline[0].Timestamp)
	assert.Equal(t, 2, resp.Summary.TotalAnomalies)
	assert.Equal(t, 1, resp.Summary.HighAnomalies)
	assert.InDelta(t, 2.5, resp.Summary.AverageScore, 1e-9)

	assertError(t, s.do(t, http.MethodPost, "/anomalies/timeline", `{"scores":[],"timeRange":{"start":200,"end":100}}`), http.StatusBadRequest)
}

const createBody = `{"metric":"orders","anomalyScore":{"index":9,"value":100,"score":3.2,"timestamp":1700000000000},"context":{"source":"manual"}}`

func createAlert(t *testing.T, s *testServer) models.AnomalyAlert {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/anomalies/alerts/create", createBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp models.AlertResponse
	decodeJSON(t, rec, &resp)
	require.NotNil(t, resp.Alert)
	return *resp.Alert
}

func TestCreateAlert_Dedup(t *testing.T) {
	s := newTestServer(t)

	first := createAlert(t, s)
	assert.Equal(t, models.SeverityHigh, first.Severity)
	assert.Equal(t, "manual", first.Context.Source)

	rec := s.do(t, http.MethodPost, "/anomalies/alerts/create", createBody)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.AlertResponse
	decodeJSON(t, rec, &resp)
	assert.True(t, resp.Deduplicated)
	assert.Equal(t, first.ID, resp.Alert.ID)
	assert.Equal(t, 1, s.store.Len())
}

func TestCreateAlert_Validation(t *testing.T) {
	s := newTestServer(t)
	assertError(t, s.do(t, http.MethodPost, "/anomalies/alerts/create", `{"anomalyScore":{"score":4}}`), http.StatusBadRequest)
	assertError(t, s.do(t, http.MethodPost, "/anomalies/alerts/create", `{"metric":"m"}`), http.StatusBadRequest)
}

func TestResolveAlert(t *testing.T) {
	s := newTestServer(t)
	alert := createAlert(t, s)

	rec := s.do(t, http.MethodPost, "/anomalies/alerts/"+alert.ID+"/resolve", `{"resolvedBy":"ops"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp models.ResolveAlertResponse
	decodeJSON(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, alert.ID, resp.ID)

	// body is optional and repeat resolution succeeds
	rec = s.do(t, http.MethodPost, "/anomalies/alerts/"+alert.ID+"/resolve", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	assertError(t, s.do(t, http.MethodPost, "/anomalies/alerts/unknown-id/resolve", ""), http.StatusNotFound)
}

func TestRecentAlerts(t *testing.T) {
	s := newTestServer(t)
	alert := createAlert(t, s)

	rec := s.do(t, http.MethodGet, "/anomalies/alerts?limit=10&severity=high", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.AlertsResponse
	decodeJSON(t, rec, &resp)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, alert.ID, resp.Alerts[0].ID)

	rec = s.do(t, http.MethodGet, "/anomalies/alerts?severity=critical", "")
	decodeJSON(t, rec, &resp)
	assert.Zero(t, resp.Count)

	assertError(t, s.do(t, http.MethodGet, "/anomalies/alerts?severity=urgent", ""), http.StatusBadRequest)
	assertError(t, s.do(t, http.MethodGet, "/anomalies/alerts?limit=-1", ""), http.StatusBadRequest)
}

func TestAlertHistory(t *testing.T) {
	s := newTestServer(t)
	alert := createAlert(t, s)

	rec := s.do(t, http.MethodGet, "/anomalies/alerts/history", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp models.AlertHistoryResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, 1, resp.TotalCount)
	assert.Equal(t, alert.ID, resp.Entries[0].ID)
	assert.Equal(t, 24*60*60*1000, int(resp.TimeRange.End.Sub(resp.TimeRange.Start).Milliseconds()))

	rec = s.do(t, http.MethodGet, "/anomalies/alerts/history?startTime=0&endTime=1000", "")
	decodeJSON(t, rec, &resp)
	assert.Zero(t, resp.TotalCount)

	assertError(t, s.do(t, http.MethodGet, "/anomalies/alerts/history?startTime=yesterday", ""), http.StatusBadRequest)
	assertError(t, s.do(t, http.MethodGet, "/anomalies/alerts/history?startTime=2000&endTime=1000", ""), http.StatusBadRequest)
}

func TestAlertStats(t *testing.T) {
	s := newTestServer(t)
	createAlert(t, s)

	rec := s.do(t, http.MethodGet, "/anomalies/alerts/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.AlertStatsResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "24h", resp.TimeRange)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, 1, resp.BySeverity[models.SeverityHigh])
	assert.Equal(t, 1, resp.Unresolved)

	rec = s.do(t, http.MethodGet, "/anomalies/alerts/stats?timeRange=7d", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assertError(t, s.do(t, http.MethodGet, "/anomalies/alerts/stats?timeRange=forever", ""), http.StatusBadRequest)
	assertError(t, s.do(t, http.MethodGet, "/anomalies/alerts/stats?timeRange=20000000w", ""), http.StatusBadRequest)
}

func TestStreamIngest(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 20; i++ {
		v := 49
		if i%2 == 0 {
			v = 51
		}
		rec := s.do(t, http.MethodPost, "/metrics", fmt.Sprintf(`{"metric":"cpu","value":%d}`, v))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := s.do(t, http.MethodPost, "/metrics", `{"metric":"cpu","value":60}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.IngestResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, models.SeverityCritical, resp.Score.Severity)
	assert.Equal(t, 21, resp.HistoryLength)
	require.NotNil(t, resp.Alert)
	assert.Equal(t, "cpu", resp.Alert.Metric)
	assert.NotZero(t, resp.Sample.Timestamp)

	rec = s.do(t, http.MethodGet, "/metrics/cpu/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist models.HistoryResponse
	decodeJSON(t, rec, &hist)
	assert.Equal(t, 21, hist.Count)

	assertError(t, s.do(t, http.MethodGet, "/metrics/unknown/history", ""), http.StatusNotFound)
	assertError(t, s.do(t, http.MethodPost, "/metrics", `{"value":1}`), http.StatusBadRequest)

	rec = s.do(t, http.MethodGet, "/series", "")
	var series models.SeriesResponse
	decodeJSON(t, rec, &series)
	assert.Equal(t, []string{"cpu"}, series.Series)

	rec = s.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.StatsResponse
	decodeJSON(t, rec, &stats)
	assert.Equal(t, int64(21), stats.TotalSamples)
	assert.Equal(t, 1, stats.TrackedSeries)
}

func TestBatchIngest(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/metrics/batch", `{"samples":[{"metric":"a","value":1},{"metric":"b","value":2},{"metric":"a","value":3}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp models.BatchIngestResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, 3, resp.Processed)
	assert.Zero(t, resp.AnomaliesFound)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, 2, resp.Results[2].HistoryLength)

	assertError(t, s.do(t, http.MethodPost, "/metrics/batch", `{"samples":[{"metric":"a","value":1},{"value":2}]}`), http.StatusBadRequest)
}

func TestBatchIngest_Async(t *testing.T) {
	s := newTestServer(t)
	s.analyzer.Start(2)
	defer s.analyzer.Stop()

	rec := s.do(t, http.MethodPost, "/metrics/batch?async=true", `{"samples":[{"metric":"a","value":1},{"metric":"a","value":2}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp models.AsyncIngestResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, 2, resp.Accepted)
	assert.Zero(t, resp.Dropped)

	for i := 0; i < 2; i++ {
		res := <-s.analyzer.Results()
		assert.Equal(t, "a", res.Sample.Metric)
	}
}

func TestLatestWithoutCache(t *testing.T) {
	s := newTestServer(t)
	assertError(t, s.do(t, http.MethodGet, "/metrics/cpu/latest", ""), http.StatusServiceUnavailable)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.HealthStatus
	decodeJSON(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "disabled", resp.Redis)
	assert.Equal(t, "memory", resp.Store)
}

func TestRouting(t *testing.T) {
	s := newTestServer(t)
	assertError(t, s.do(t, http.MethodGet, "/anomalies/detect", ""), http.StatusMethodNotAllowed)
	assertError(t, s.do(t, http.MethodGet, "/nope", ""), http.StatusNotFound)
}

func TestRecovery(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assertError(t, rec, http.StatusInternalServerError)
}

func TestCORS(t *testing.T) {
	s := newTestServer(t)
	h := CORS(s.router, []string{"https://ops.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestOverflowingInputs(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		path string
		body string
	}{
		{"trend", "/anomalies/trend", `{"values":[1e308,1e308],"windowSize":2}`},
		{"detect", "/anomalies/detect", `{"values":[1e308,-1e308,1]}`},
		{"p99", "/anomalies/p99", `{"values":[-1.7e308,1.7e308]}`},
		{"aggregate", "/anomalies/aggregate", `{"scores":[{"score":1e308},{"score":-1e308}]}`},
		{"timeline", "/anomalies/timeline", `{"scores":[{"score":1e308,"timestamp":1},{"score":1e308,"timestamp":2}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, s.do(t, http.MethodPost, tt.path, tt.body), http.StatusBadRequest)
		})
	}
}

func TestRespondJSON_EncodeFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	respondJSON(rec, models.TrendResponse{
		Success:     true,
		TrendResult: models.TrendResult{Deviation: math.Inf(-1)},
	}, http.StatusOK)
	assertError(t, rec, http.StatusInternalServerError)
}
