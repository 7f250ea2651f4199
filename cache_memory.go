// lookahead/cache_memory.go
// In-memory TTL cache (Ristretto) for expensive provider results.
package lookahead

import (
	"fmt"
	stdslog "log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// MemoryCache wraps a Ristretto cache. A nil *MemoryCache or a disabled cache
// computes every value.
type MemoryCache struct {
	mu    sync.RWMutex
	cache *ristretto.Cache
}

// NewMemoryCache creates a cache bounded by maxCost. On failure caching is disabled.
func NewMemoryCache(maxCost int64, logger *stdslog.Logger) *MemoryCache {
	if logger == nil {
		logger = stdslog.Default()
	}
	if maxCost <= 0 {
		maxCost = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		logger.Warn("Failed to create ristretto memory cache, in-memory caching disabled.", "error", err)
		return &MemoryCache{}
	}
	logger.Info("Initialized ristretto in-memory cache", "max_cost", maxCost)
	return &MemoryCache{cache: c}
}

// Enabled reports whether values are cached at all.
func (m *MemoryCache) Enabled() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache != nil
}

func (m *MemoryCache) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cache == nil {
		return nil, false
	}
	return m.cache.Get(key)
}

// Set stores value and waits until it is visible to Get.
func (m *MemoryCache) Set(key string, value any, cost int64, ttl time.Duration) bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cache == nil {
		return false
	}
	ok := m.cache.SetWithTTL(key, value, cost, ttl)
	m.cache.Wait()
	return ok
}

// Clear drops every entry.
func (m *MemoryCache) Clear() {
	if m == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cache != nil {
		m.cache.Clear()
	}
}

func (m *MemoryCache) metrics() *ristretto.Metrics {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cache == nil {
		return nil
	}
	return m.cache.Metrics
}

func (m *MemoryCache) Hits() uint64 {
	if mt := m.metrics(); mt != nil {
		return mt.Hits()
	}
	return 0
}

func (m *MemoryCache) Misses() uint64 {
	if mt := m.metrics(); mt != nil {
		return mt.Misses()
	}
	return 0
}

func (m *MemoryCache) Ratio() float64 {
	if mt := m.metrics(); mt != nil {
		return mt.Ratio()
	}
	return 0
}

// Close releases the cache. Later calls compute every value.
func (m *MemoryCache) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache != nil {
		m.cache.Close()
		m.cache = nil
	}
}

// cacheKey builds a key from a prefix, a document and a position within it.
func cacheKey(prefix, surfaceID string, version, offset int) string {
	if surfaceID == "" {
		surfaceID = "[unknown]"
	}
	return fmt.Sprintf("%s:%s:%d:%d", prefix, surfaceID, version, offset)
}

// withMemoryCache returns the cached value for key or computes and stores it.
// Errors are never cached. The boolean reports a cache hit.
func withMemoryCache[T any](
	mc *MemoryCache,
	key string,
	cost int64,
	ttl time.Duration,
	computeFn func() (T, error),
	logger *stdslog.Logger,
) (T, bool, error) {
	var zero T
	if logger == nil {
		logger = stdslog.Default()
	}
	cacheLogger := logger.With("cache_key", key)

	if !mc.Enabled() {
		result, err := computeFn()
		return result, false, err
	}

	if cached, found := mc.Get(key); found {
		if typed, ok := cached.(T); ok {
			cacheLogger.Debug("Memory cache hit")
			return typed, true, nil
		}
		cacheLogger.Error("Memory cache type assertion failed", "expected_type", fmt.Sprintf("%T", zero), "actual_type", fmt.Sprintf("%T", cached))
	}

	computed, err := computeFn()
	if err != nil {
		return zero, false, err
	}
	if cost <= 0 {
		cost = 1
	}
	if !mc.Set(key, computed, cost, ttl) {
		cacheLogger.Warn("Memory cache Set failed, item not cached", "cost", cost, "ttl", ttl)
	}
	return computed, false, nil
}

// estimateCost approximates the memory cost of v.
func estimateCost(v any) int64 {
	switch val := v.(type) {
	case string:
		return int64(len(val))
	case []byte:
		return int64(len(val))
	case []string:
		var cost int64
		for _, s := range val {
			cost += int64(len(s))
		}
		return cost
	case []*Candidate:
		var cost int64
		for _, c := range val {
			cost += int64(len(c.Text) + len(c.Detail) + 32)
		}
		return cost
	default:
		return 1
	}
}
