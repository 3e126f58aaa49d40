// Package analytics implements anomaly detection over metric series: the
// stateless Detector, the bounded per-series rolling history and the stream
// Analyzer that scores ingested samples against that history.
package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"anomaly-service/internal/models"
	"anomaly-service/internal/stats"
)

const (
	// DefaultMinSamples is the history a series needs before streamed samples
	// are scored. Shorter histories score 0.
	DefaultMinSamples = 5
	// DefaultBufferSize is the capacity of the ingestion and result queues.
	DefaultBufferSize = 10000
)

// AlertCreator raises alerts for streamed samples that score high or critical.
type AlertCreator interface {
	CreateCriticalAlert(ctx context.Context, metric string, score models.AnomalyScore, actx *models.AlertContext) (*models.AnomalyAlert, bool, error)
}

// AnalyzerConfig configures an Analyzer.
type AnalyzerConfig struct {
	BufferSize int
	MinSamples int
}

// AnalyzerStats is a point-in-time view of the analyzer counters.
type AnalyzerStats struct {
	Processed  int64
	Anomalies  int64
	Alerts     int64
	Dropped    int64
	AvgLatency time.Duration
}

// Analyzer scores streamed samples against the rolling history of their
// series. Samples can be analysed synchronously or queued for the worker pool.
type Analyzer struct {
	history    HistoryStore
	detector   *Detector
	alerts     AlertCreator
	logger     *zap.Logger
	minSamples int

	samplesChan chan models.Sample
	resultsChan chan models.StreamResult
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	processed    atomic.Int64
	anomalies    atomic.Int64
	alertCount   atomic.Int64
	dropped      atomic.Int64
	latencyNanos atomic.Int64
}

// NewAnalyzer creates an analyzer. alerts may be nil, in which case no
// alerts are raised.
func NewAnalyzer(cfg AnalyzerConfig, history HistoryStore, detector *Detector, alerts AlertCreator, logger *zap.Logger) *Analyzer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		history:     history,
		detector:    detector,
		alerts:      alerts,
		logger:      logger,
		minSamples:  cfg.MinSamples,
		samplesChan: make(chan models.Sample, cfg.BufferSize),
		resultsChan: make(chan models.StreamResult, cfg.BufferSize),
		stopChan:    make(chan struct{}),
	}
}

// Detector returns the detector used by the analyzer.
func (a *Analyzer) Detector() *Detector {
	return a.detector
}

// Start launches numWorkers goroutines consuming the ingestion queue.
func (a *Analyzer) Start(numWorkers int) {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	for i := 0; i < numWorkers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
}

func (a *Analyzer) worker() {
	defer a.wg.Done()
	for {
		select {
		case s := <-a.samplesChan:
			result := a.AnalyzeSync(context.Background(), s)
			select {
			case a.resultsChan <- result:
			default:
				// nobody is draining results
			}
		case <-a.stopChan:
			return
		}
	}
}

// Submit queues a sample for asynchronous analysis. It returns false when the
// queue is full.
func (a *Analyzer) Submit(s models.Sample) bool {
	select {
	case a.samplesChan <- s:
		return true
	default:
		a.dropped.Add(1)
		return false
	}
}

// Results exposes the results of asynchronously analysed samples.
func (a *Analyzer) Results() <-chan models.StreamResult {
	return a.resultsChan
}

// AnalyzeSync records s in its series history and scores it against the
// samples that preceded it.
func (a *Analyzer) AnalyzeSync(ctx context.Context, s models.Sample) models.StreamResult {
	start := time.Now()
	if s.Timestamp == 0 {
		s.Timestamp = a.detector.nowMillis()
	}

	prior, length, mean := a.history.Observe(s.Metric, s)

	var z float64
	if len(prior) >= a.minSamples {
		values, _ := models.SplitSamples(prior)
		z = stats.ScoreAgainstDistribution(values, s.Value)
	}
	score := models.NewAnomalyScore(length-1, s.Value, z, models.MethodZScore, s.Timestamp, nil)

	result := models.StreamResult{
		Sample:        s,
		Score:         score,
		HistoryLength: length,
		RollingAvg:    mean,
	}

	if score.IsAnomaly {
		a.anomalies.Add(1)
	}
	if a.alerts != nil && score.Severity.AtLeast(models.SeverityHigh) {
		alert, created, err := a.alerts.CreateCriticalAlert(ctx, s.Metric, score, &models.AlertContext{
			SeriesLength: &length,
			Source:       "stream",
		})
		if err != nil {
			a.logger.Error("failed to raise stream alert",
				zap.String("metric", s.Metric),
				zap.Float64("score", score.Score),
				zap.Error(err),
			)
			result.AlertError = err.Error()
		} else {
			result.Alert = alert
			if created {
				a.alertCount.Add(1)
			}
		}
	}

	a.processed.Add(1)
	a.latencyNanos.Add(int64(time.Since(start)))
	return result
}

// History returns a snapshot of the rolling history of metric.
func (a *Analyzer) History(metric string) []models.Sample {
	return a.history.Snapshot(metric)
}

// Series lists the tracked series.
func (a *Analyzer) Series() []string {
	return a.history.Keys()
}

// Stats returns the analyzer counters.
func (a *Analyzer) Stats() AnalyzerStats {
	st := AnalyzerStats{
		Processed: a.processed.Load(),
		Anomalies: a.anomalies.Load(),
		Alerts:    a.alertCount.Load(),
		Dropped:   a.dropped.Load(),
	}
	if st.Processed > 0 {
		st.AvgLatency = time.Duration(a.latencyNanos.Load() / st.Processed)
	}
	return st
}

// Stop stops the workers and waits for them to exit. Queued samples that
// were not picked up are discarded.
func (a *Analyzer) Stop() {
	a.stopOnce.Do(func() { close(a.stopChan) })
	a.wg.Wait()
}
