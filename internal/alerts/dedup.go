package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"anomaly-service/internal/models"
)

// DedupKeyPrefix prefixes dedup claims stored in Redis.
const DedupKeyPrefix = "alerts:dedup:"

// Deduplicator hands out short-lived claims on a dedup key. The holder of a
// claim is the id of the alert that owns it.
type Deduplicator interface {
	// Claim tries to take key for id for ttl. When the key is already held,
	// claimed is false and holder is the current owner.
	Claim(ctx context.Context, key, id string, ttl time.Duration) (holder string, claimed bool, err error)
	// Release drops the claim if id still holds it.
	Release(ctx context.Context, key, id string) error
}

// DedupKey identifies alerts that suppress each other.
func DedupKey(metric string, severity models.Severity) string {
	return metric + "|" + string(severity)
}

type claim struct {
	id      string
	expires time.Time
}

// claimSweepInterval bounds how often Claim scans for expired claims.
const claimSweepInterval = time.Minute

// MemoryDeduplicator keeps claims in process memory. Expired claims are
// swept from Claim at most once per claimSweepInterval.
type MemoryDeduplicator struct {
	mu        sync.Mutex
	claims    map[string]claim
	now       func() time.Time
	nextSweep time.Time
}

// NewMemoryDeduplicator creates a deduplicator. A nil clock uses time.Now.
func NewMemoryDeduplicator(now func() time.Time) *MemoryDeduplicator {
	if now == nil {
		now = time.Now
	}
	return &MemoryDeduplicator{claims: make(map[string]claim), now: now}
}

func (m *MemoryDeduplicator) Claim(_ context.Context, key, id string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !now.Before(m.nextSweep) {
		m.sweep(now)
	}
	if c, ok := m.claims[key]; ok && now.Before(c.expires) {
		return c.id, false, nil
	}
	m.claims[key] = claim{id: id, expires: now.Add(ttl)}
	return id, true, nil
}

func (m *MemoryDeduplicator) sweep(now time.Time) {
	for k, c := range m.claims {
		if !now.Before(c.expires) {
			delete(m.claims, k)
		}
	}
	m.nextSweep = now.Add(claimSweepInterval)
}

func (m *MemoryDeduplicator) Release(_ context.Context, key, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.claims[key]; ok && c.id == id {
		delete(m.claims, key)
	}
	return nil
}

// releaseScript deletes the claim only when it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDeduplicator stores claims as expiring Redis keys so that several
// service instances share one dedup window.
type RedisDeduplicator struct {
	client *redis.Client
}

// NewRedisDeduplicator creates a deduplicator on client.
func NewRedisDeduplicator(client *redis.Client) *RedisDeduplicator {
	return &RedisDeduplicator{client: client}
}

func (r *RedisDeduplicator) Claim(ctx context.Context, key, id string, ttl time.Duration) (string, bool, error) {
	k := DedupKeyPrefix + key
	// the holder can expire between SETNX and GET
	for i := 0; i < 2; i++ {
		ok, err := r.client.SetNX(ctx, k, id, ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("failed to claim dedup key: %w", err)
		}
		if ok {
			return id, true, nil
		}
		holder, err := r.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to read dedup key: %w", err)
		}
		return holder, false, nil
	}
	return "", false, fmt.Errorf("failed to claim dedup key %s: contention", key)
}

func (r *RedisDeduplicator) Release(ctx context.Context, key, id string) error {
	if err := releaseScript.Run(ctx, r.client, []string{DedupKeyPrefix + key}, id).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release dedup key: %w", err)
	}
	return nil
}
