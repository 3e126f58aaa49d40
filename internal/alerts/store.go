// Package alerts implements the alert service: creation with deduplication,
// persistence, resolution and reporting over time ranges.
package alerts

import (
	"context"
	"errors"
	"sort"
	"time"

	"anomaly-service/internal/models"
)

var (
	// ErrAlertNotFound is returned by stores when no alert has the given id.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrDuplicateAlert is returned when inserting an id that already exists.
	ErrDuplicateAlert = errors.New("alert already exists")
)

// Store persists alerts. Alerts are never deleted; the only mutation is the
// one-time resolution.
type Store interface {
	Insert(ctx context.Context, alert models.AnomalyAlert) error
	Get(ctx context.Context, id string) (models.AnomalyAlert, error)
	// Recent returns up to limit alerts, newest first. A non-positive limit
	// returns all of them. An empty severity matches every severity.
	Recent(ctx context.Context, limit int, severity models.Severity) ([]models.AnomalyAlert, error)
	// Range returns alerts created within [start, end], newest first.
	Range(ctx context.Context, start, end time.Time, severity models.Severity) ([]models.AnomalyAlert, error)
	// Resolve marks the alert resolved. changed is false when the alert was
	// already resolved, in which case the stored resolution is kept.
	Resolve(ctx context.Context, id string, at time.Time, by *string) (alert models.AnomalyAlert, changed bool, err error)
	Close() error
}

func matchesSeverity(a models.AnomalyAlert, severity models.Severity) bool {
	return severity == "" || a.Severity == severity
}

func sortNewestFirst(alerts []models.AnomalyAlert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
}

func truncate(alerts []models.AnomalyAlert, limit int) []models.AnomalyAlert {
	if limit > 0 && len(alerts) > limit {
		return alerts[:limit]
	}
	return alerts
}
