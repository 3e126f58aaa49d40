// Package cache mirrors ingested samples into Redis and keeps service
// counters there.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"anomaly-service/internal/models"
)

const (
	// SampleKeyPrefix prefixes the per-metric list of recent samples
	SampleKeyPrefix = "samples:"
	// SamplesTotalKey counts every sample received
	SamplesTotalKey = "stats:samples:total"
	// AnomaliesTotalKey counts every anomalous sample
	AnomaliesTotalKey = "stats:anomalies:total"
	// DefaultHistorySize length of each mirrored list
	DefaultHistorySize = 100
	// SamplesTTL expiry of an idle series list
	SamplesTTL = 24 * time.Hour
)

// Options configures the Redis connection.
type Options struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	HistorySize int
}

// RedisCache wraps the Redis client shared by the sample mirror, the alert
// store and the alert deduplicator.
type RedisCache struct {
	client      *redis.Client
	historySize int64
}

// NewRedisCache connects to Redis and checks the connection.
func NewRedisCache(ctx context.Context, opts Options) (*RedisCache, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 100
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client:      client,
		historySize: int64(opts.HistorySize),
	}, nil
}

// Client exposes the underlying client.
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

func sampleKey(metric string) string {
	return SampleKeyPrefix + metric
}

// CacheSample pushes s onto its metric list, trims the list to the history
// size and bumps the sample counter, in one round trip.
func (r *RedisCache) CacheSample(ctx context.Context, s models.Sample) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	key := sampleKey(s.Metric)
	pipe := r.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, r.historySize-1)
	pipe.Expire(ctx, key, SamplesTTL)
	pipe.Incr(ctx, SamplesTotalKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache sample: %w", err)
	}
	return nil
}

// LatestSamples returns up to count of the most recent samples of metric,
// newest first.
func (r *RedisCache) LatestSamples(ctx context.Context, metric string, count int64) ([]models.Sample, error) {
	data, err := r.client.LRange(ctx, sampleKey(metric), 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get latest samples: %w", err)
	}

	samples := make([]models.Sample, 0, len(data))
	for _, d := range data {
		var s models.Sample
		if err := json.Unmarshal([]byte(d), &s); err != nil {
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// IncrementCounter increments key.
func (r *RedisCache) IncrementCounter(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

// GetCounter returns the value of key, 0 when unset.
func (r *RedisCache) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// Ping checks the connection.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the connection pool.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
