package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"anomaly-service/internal/models"
)

// MemoryStore keeps alerts in process memory. It is the default store and
// the one used in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts []models.AnomalyAlert
	index  map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]int)}
}

func (m *MemoryStore) Insert(_ context.Context, alert models.AnomalyAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.index[alert.ID]; ok {
		return fmt.Errorf("insert %s: %w", alert.ID, ErrDuplicateAlert)
	}
	m.index[alert.ID] = len(m.alerts)
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (models.AnomalyAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.index[id]
	if !ok {
		return models.AnomalyAlert{}, ErrAlertNotFound
	}
	return m.alerts[i], nil
}

func (m *MemoryStore) Recent(_ context.Context, limit int, severity models.Severity) ([]models.AnomalyAlert, error) {
	return m.filter(limit, func(a models.AnomalyAlert) bool {
		return matchesSeverity(a, severity)
	}), nil
}

func (m *MemoryStore) Range(_ context.Context, start, end time.Time, severity models.Severity) ([]models.AnomalyAlert, error) {
	return m.filter(0, func(a models.AnomalyAlert) bool {
		return matchesSeverity(a, severity) && !a.CreatedAt.Before(start) && !a.CreatedAt.After(end)
	}), nil
}

func (m *MemoryStore) filter(limit int, keep func(models.AnomalyAlert) bool) []models.AnomalyAlert {
	m.mu.RLock()
	out := make([]models.AnomalyAlert, 0)
	for _, a := range m.alerts {
		if keep(a) {
			out = append(out, a)
		}
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	return truncate(out, limit)
}

func (m *MemoryStore) Resolve(_ context.Context, id string, at time.Time, by *string) (models.AnomalyAlert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[id]
	if !ok {
		return models.AnomalyAlert{}, false, ErrAlertNotFound
	}
	if m.alerts[i].Resolved() {
		return m.alerts[i], false, nil
	}
	m.alerts[i].ResolvedAt = &at
	m.alerts[i].ResolvedBy = by
	return m.alerts[i], true, nil
}

// Len returns the number of stored alerts.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.alerts)
}

func (m *MemoryStore) Close() error { return nil }
