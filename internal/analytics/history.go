package analytics

import (
	"hash/fnv"
	"sort"
	"sync"

	"anomaly-service/internal/models"
)

const (
	// DefaultHistorySize is the number of samples retained per series.
	DefaultHistorySize = 100
	// DefaultShardCount is the number of lock shards in ShardedHistory.
	DefaultShardCount = 32
)

// HistoryStore keeps a bounded rolling history per metric series.
type HistoryStore interface {
	// Append adds a sample to the series, evicting the oldest when full.
	Append(key string, s models.Sample)
	// Snapshot returns a copy of the series, oldest first.
	Snapshot(key string) []models.Sample
	// Observe atomically snapshots the series and then appends s. It returns
	// the history that preceded s, the series length after the append and the
	// rolling average including s.
	Observe(key string, s models.Sample) (prior []models.Sample, length int, mean float64)
	// Len returns the current length of the series.
	Len(key string) int
	// Keys lists the tracked series.
	Keys() []string
}

type historyShard struct {
	mu      sync.Mutex
	windows map[string]*SlidingWindow
}

// ShardedHistory is a HistoryStore that spreads series over a fixed number of
// independently locked shards, so appends to different series rarely contend.
type ShardedHistory struct {
	size   int
	shards []*historyShard
}

// NewShardedHistory creates a store retaining size samples per series across
// shardCount shards.
func NewShardedHistory(size, shardCount int) *ShardedHistory {
	if size <= 0 {
		size = DefaultHistorySize
	}
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	shards := make([]*historyShard, shardCount)
	for i := range shards {
		shards[i] = &historyShard{windows: make(map[string]*SlidingWindow)}
	}
	return &ShardedHistory{size: size, shards: shards}
}

func (h *ShardedHistory) shard(key string) *historyShard {
	f := fnv.New64a()
	f.Write([]byte(key))
	return h.shards[f.Sum64()%uint64(len(h.shards))]
}

// Append implements HistoryStore.
func (h *ShardedHistory) Append(key string, s models.Sample) {
	sh := h.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.window(key, h.size).Add(s)
}

// Snapshot implements HistoryStore.
func (h *ShardedHistory) Snapshot(key string) []models.Sample {
	sh := h.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	w, ok := sh.windows[key]
	if !ok {
		return []models.Sample{}
	}
	return w.Samples()
}

// Observe implements HistoryStore.
func (h *ShardedHistory) Observe(key string, s models.Sample) ([]models.Sample, int, float64) {
	sh := h.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	w := sh.window(key, h.size)
	prior := w.Samples()
	w.Add(s)
	return prior, w.Count(), w.Mean()
}

// Len implements HistoryStore.
func (h *ShardedHistory) Len(key string) int {
	sh := h.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if w, ok := sh.windows[key]; ok {
		return w.Count()
	}
	return 0
}

// Keys implements HistoryStore.
func (h *ShardedHistory) Keys() []string {
	var keys []string
	for _, sh := range h.shards {
		sh.mu.Lock()
		for k := range sh.windows {
			keys = append(keys, k)
		}
		sh.mu.Unlock()
	}
	sort.Strings(keys)
	return keys
}

// window must be called with sh.mu held.
func (sh *historyShard) window(key string, size int) *SlidingWindow {
	w, ok := sh.windows[key]
	if !ok {
		w = NewSlidingWindow(size)
		sh.windows[key] = w
	}
	return w
}
