package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"anomaly-service/internal/models"
)

const (
	// AlertKeyPrefix prefixes the JSON document of each alert.
	AlertKeyPrefix = "alert:"
	// CreatedIndexKey is a sorted set of alert ids scored by creation millis.
	CreatedIndexKey = "alerts:created"
	// SeverityIndexPrefix prefixes the per-severity creation index.
	SeverityIndexPrefix = "alerts:severity:"

	resolveRetries = 3
)

// RedisStore persists alerts in Redis. Every alert is a JSON string and is
// indexed in sorted sets by creation time, globally and per severity.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store on an existing client. The client is owned
// by the caller and is not closed by Close.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func alertKey(id string) string {
	return AlertKeyPrefix + id
}

func indexKey(severity models.Severity) string {
	if severity == "" {
		return CreatedIndexKey
	}
	return SeverityIndexPrefix + string(severity)
}

func (r *RedisStore) Insert(ctx context.Context, alert models.AnomalyAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	ok, err := r.client.SetNX(ctx, alertKey(alert.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store alert: %w", err)
	}
	if !ok {
		return fmt.Errorf("insert %s: %w", alert.ID, ErrDuplicateAlert)
	}

	score := float64(alert.CreatedAt.UnixMilli())
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, CreatedIndexKey, &redis.Z{Score: score, Member: alert.ID})
		pipe.ZAdd(ctx, indexKey(alert.Severity), &redis.Z{Score: score, Member: alert.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index alert: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (models.AnomalyAlert, error) {
	data, err := r.client.Get(ctx, alertKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.AnomalyAlert{}, ErrAlertNotFound
	}
	if err != nil {
		return models.AnomalyAlert{}, fmt.Errorf("failed to get alert: %w", err)
	}
	return decodeAlert(data)
}

func (r *RedisStore) Recent(ctx context.Context, limit int, severity models.Severity) ([]models.AnomalyAlert, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.client.ZRevRange(ctx, indexKey(severity), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return r.load(ctx, ids)
}

func (r *RedisStore) Range(ctx context.Context, start, end time.Time, severity models.Severity) ([]models.AnomalyAlert, error) {
	ids, err := r.client.ZRevRangeByScore(ctx, indexKey(severity), &redis.ZRangeBy{
		Min: strconv.FormatInt(start.UnixMilli(), 10),
		Max: strconv.FormatInt(end.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range alerts: %w", err)
	}

	alerts, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	// the index has millisecond resolution
	out := alerts[:0]
	for _, a := range alerts {
		if !a.CreatedAt.Before(start) && !a.CreatedAt.After(end) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *RedisStore) load(ctx context.Context, ids []string) ([]models.AnomalyAlert, error) {
	alerts := make([]models.AnomalyAlert, 0, len(ids))
	if len(ids) == 0 {
		return alerts, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = alertKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load alerts: %w", err)
	}

	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		a, err := decodeAlert([]byte(s))
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	sortNewestFirst(alerts)
	return alerts, nil
}

func (r *RedisStore) Resolve(ctx context.Context, id string, at time.Time, by *string) (models.AnomalyAlert, bool, error) {
	key := alertKey(id)

	var (
		result  models.AnomalyAlert
		changed bool
	)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrAlertNotFound
		}
		if err != nil {
			return err
		}
		alert, err := decodeAlert(data)
		if err != nil {
			return err
		}
		if alert.Resolved() {
			result, changed = alert, false
			return nil
		}

		alert.ResolvedAt = &at
		alert.ResolvedBy = by
		updated, err := json.Marshal(alert)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		if err == nil {
			result, changed = alert, true
		}
		return err
	}

	for i := 0; i < resolveRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return result, changed, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrAlertNotFound):
			return models.AnomalyAlert{}, false, err
		default:
			return models.AnomalyAlert{}, false, fmt.Errorf("failed to resolve alert: %w", err)
		}
	}
	return models.AnomalyAlert{}, false, fmt.Errorf("failed to resolve alert %s: concurrent updates", id)
}

func (r *RedisStore) Close() error { return nil }

func decodeAlert(data []byte) (models.AnomalyAlert, error) {
	var a models.AnomalyAlert
	if err := json.Unmarshal(data, &a); err != nil {
		return models.AnomalyAlert{}, fmt.Errorf("failed to unmarshal alert: %w", err)
	}
	return a, nil
}
