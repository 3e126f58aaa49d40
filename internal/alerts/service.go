package alerts

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"anomaly-service/internal/metrics"
	"anomaly-service/internal/models"
)

const (
	// DefaultDedupWindow is how long an unresolved alert suppresses new alerts
	// for the same metric and severity.
	DefaultDedupWindow = 5 * time.Minute
	// DefaultBatchLimit bounds concurrent store writes in a bulk alert pass.
	DefaultBatchLimit = 8
	// DefaultRecentLimit is used when GetRecentAlerts gets no limit.
	DefaultRecentLimit = 50

	lockStripes = 64
)

// Service creates, deduplicates, resolves and reports alerts.
type Service struct {
	store       Store
	dedup       Deduplicator
	dedupWindow time.Duration
	batchLimit  int
	logger      *zap.Logger
	now         func() time.Time

	// serializes claim and insert per dedup key within the process
	locks [lockStripes]sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithDeduplicator replaces the in-memory deduplicator.
func WithDeduplicator(d Deduplicator) Option {
	return func(s *Service) { s.dedup = d }
}

// WithDedupWindow sets the suppression window. Zero disables deduplication.
func WithDedupWindow(d time.Duration) Option {
	return func(s *Service) { s.dedupWindow = d }
}

// WithBatchLimit sets the concurrency of CreateAlertsForAnomalies.
func WithBatchLimit(n int) Option {
	return func(s *Service) { s.batchLimit = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an alert service backed by store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		dedupWindow: DefaultDedupWindow,
		batchLimit:  DefaultBatchLimit,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dedup == nil {
		s.dedup = NewMemoryDeduplicator(s.now)
	}
	if s.batchLimit <= 0 {
		s.batchLimit = DefaultBatchLimit
	}
	return s
}

// CreateCriticalAlert persists an alert for score. It does not check whether
// the severity warrants an alert. When an unresolved alert for the same
// metric and severity was raised within the dedup window, that alert is
// returned with created=false and nothing is written.
func (s *Service) CreateCriticalAlert(ctx context.Context, metric string, score models.AnomalyScore, actx *models.AlertContext) (*models.AnomalyAlert, bool, error) {
	score = score.Normalize()
	id := uuid.NewString()
	key := DedupKey(metric, score.Severity)

	if s.dedupWindow > 0 {
		mu := s.lockFor(key)
		mu.Lock()
		defer mu.Unlock()

		existing, err := s.claim(ctx, key, id)
		if err != nil {
			// fail open
			s.logger.Warn("alert deduplication unavailable",
				zap.String("metric", metric),
				zap.Error(err),
			)
		} else if existing != nil {
			metrics.AlertsDeduplicated.Inc()
			s.logger.Debug("alert suppressed",
				zap.String("metric", metric),
				zap.String("severity", string(score.Severity)),
				zap.String("existing_id", existing.ID),
			)
			return existing, false, nil
		}
	}

	alert := models.AnomalyAlert{
		ID:        id,
		Metric:    metric,
		Severity:  score.Severity,
		Message:   fmt.Sprintf("%s: %s", metric, score.Message),
		Score:     score,
		Context:   actx,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}

	if err := s.store.Insert(ctx, alert); err != nil {
		if s.dedupWindow > 0 {
			_ = s.dedup.Release(ctx, key, id)
		}
		metrics.AlertsFailed.Inc()
		s.logger.Error("failed to persist alert",
			zap.String("metric", metric),
			zap.String("severity", string(score.Severity)),
			zap.Float64("score", score.Score),
			zap.Error(err),
		)
		return nil, false, fmt.Errorf("create alert for %s: %w", metric, err)
	}

	metrics.AlertsCreated.WithLabelValues(string(alert.Severity)).Inc()
	s.logger.Info("alert created",
		zap.String("id", alert.ID),
		zap.String("metric", metric),
		zap.String("severity", string(alert.Severity)),
		zap.Float64("score", score.Score),
	)
	return &alert, true, nil
}

func (s *Service) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}

// claim takes the dedup key for id. It returns the alert holding the key when
// that alert suppresses id. Claims left behind by missing or resolved alerts
// are taken over.
func (s *Service) claim(ctx context.Context, key, id string) (*models.AnomalyAlert, error) {
	for attempt := 0; attempt < 2; attempt++ {
		holder, claimed, err := s.dedup.Claim(ctx, key, id, s.dedupWindow)
		if err != nil {
			return nil, err
		}
		if claimed {
			return nil, nil
		}

		existing, err := s.store.Get(ctx, holder)
		switch {
		case err == nil && !existing.Resolved():
			return &existing, nil
		case err != nil && !errors.Is(err, ErrAlertNotFound):
			return nil, err
		}
		if err := s.dedup.Release(ctx, key, holder); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("dedup key %s is contended", key)
}

// BatchFailure records one alert that could not be created.
type BatchFailure struct {
	Index int
	Err   error
}

// BatchResult collects the outcome of CreateAlertsForAnomalies.
type BatchResult struct {
	// Alerts are the created or deduplicated alerts, one per distinct id, in
	// input order.
	Alerts   []models.AnomalyAlert
	Created  int
	Failures []BatchFailure
}

// CreateAlertsForAnomalies raises alerts for every score ranked high or
// critical. Alerts are created concurrently and independently: a failure is
// logged and collected and never stops the others.
func (s *Service) CreateAlertsForAnomalies(ctx context.Context, metric string, scores []models.AnomalyScore, seriesLength int) BatchResult {
	type outcome struct {
		alert   *models.AnomalyAlert
		created bool
		err     error
	}
	outcomes := make([]outcome, len(scores))

	var g errgroup.Group
	g.SetLimit(s.batchLimit)
	for i, score := range scores {
		if !score.Severity.AtLeast(models.SeverityHigh) {
			continue
		}
		i, score := i, score
		g.Go(func() error {
			length := seriesLength
			alert, created, err := s.CreateCriticalAlert(ctx, metric, score, &models.AlertContext{
				SeriesLength: &length,
				Source:       "detect",
			})
			outcomes[i] = outcome{alert: alert, created: created, err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{Alerts: make([]models.AnomalyAlert, 0)}
	seen := make(map[string]bool)
	for i, o := range outcomes {
		switch {
		case o.err != nil:
			result.Failures = append(result.Failures, BatchFailure{Index: i, Err: o.err})
		case o.alert != nil:
			if o.created {
				result.Created++
			}
			if !seen[o.alert.ID] {
				seen[o.alert.ID] = true
				result.Alerts = append(result.Alerts, *o.alert)
			}
		}
	}
	return result
}

// GetRecentAlerts returns up to limit alerts, newest first, optionally
// filtered by exact severity.
func (s *Service) GetRecentAlerts(ctx context.Context, limit int, severity models.Severity) ([]models.AnomalyAlert, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	alerts, err := s.store.Recent(ctx, limit, severity)
	if err != nil {
		s.logger.Error("failed to list recent alerts", zap.Error(err))
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	return alerts, nil
}

// GetAlertHistory returns the alerts created within [start, end].
func (s *Service) GetAlertHistory(ctx context.Context, start, end time.Time, severity models.Severity) (models.AlertHistorySummary, error) {
	if end.Before(start) {
		return models.AlertHistorySummary{}, fmt.Errorf("%w: end %s precedes start %s", ErrInvalidTimeRange, end, start)
	}
	alerts, err := s.store.Range(ctx, start, end, severity)
	if err != nil {
		s.logger.Error("failed to query alert history",
			zap.Time("start", start),
			zap.Time("end", end),
			zap.Error(err),
		)
		return models.AlertHistorySummary{}, fmt.Errorf("alert history: %w", err)
	}
	return models.AlertHistorySummary{
		TotalCount: len(alerts),
		TimeRange:  models.AlertTimeRange{Start: start, End: end},
		Entries:    alerts,
	}, nil
}

// ResolveAlert marks an alert resolved and releases its dedup claim. It
// returns false without error when id does not exist. Resolving a resolved
// alert keeps the first resolution and returns true.
func (s *Service) ResolveAlert(ctx context.Context, id, resolvedBy string) (bool, error) {
	var by *string
	if resolvedBy != "" {
		by = &resolvedBy
	}

	alert, changed, err := s.store.Resolve(ctx, id, s.now().UTC().Truncate(time.Millisecond), by)
	if errors.Is(err, ErrAlertNotFound) {
		return false, nil
	}
	if err != nil {
		s.logger.Error("failed to resolve alert", zap.String("id", id), zap.Error(err))
		return false, fmt.Errorf("resolve alert %s: %w", id, err)
	}
	if !changed {
		return true, nil
	}

	if err := s.dedup.Release(ctx, DedupKey(alert.Metric, alert.Severity), alert.ID); err != nil {
		s.logger.Warn("failed to release dedup claim", zap.String("id", id), zap.Error(err))
	}
	metrics.AlertsResolved.Inc()
	s.logger.Info("alert resolved",
		zap.String("id", id),
		zap.String("metric", alert.Metric),
		zap.String("resolved_by", resolvedBy),
	)
	return true, nil
}

// GetAlertStats counts alerts created within the window named by label,
// ending now. An empty label means DefaultStatsRange.
func (s *Service) GetAlertStats(ctx context.Context, label string) (models.AlertStats, error) {
	if label == "" {
		label = DefaultStatsRange
	}
	d, err := ParseTimeRange(label)
	if err != nil {
		return models.AlertStats{}, err
	}

	end := s.now().UTC()
	start := end.Add(-d)
	alerts, err := s.store.Range(ctx, start, end, "")
	if err != nil {
		s.logger.Error("failed to compute alert stats", zap.String("time_range", label), zap.Error(err))
		return models.AlertStats{}, fmt.Errorf("alert stats: %w", err)
	}

	stats := models.AlertStats{
		TimeRange:  label,
		Start:      start,
		End:        end,
		Total:      len(alerts),
		BySeverity: make(map[models.Severity]int, len(models.Severities)),
		Metrics:    make(map[string]int),
	}
	for _, sev := range models.Severities {
		stats.BySeverity[sev] = 0
	}
	for _, a := range alerts {
		stats.BySeverity[a.Severity]++
		stats.Metrics[a.Metric]++
		if a.Resolved() {
			stats.Resolved++
		} else {
			stats.Unresolved++
		}
	}
	return stats, nil
}
