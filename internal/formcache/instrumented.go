package formcache

import (
	"context"

	"taxgpt-api/internal/metrics"
)

// InstrumentedCache counts hits and misses in Stats and Prometheus.
type InstrumentedCache struct {
	cache Cache
	name  string
	stats *Stats
}

func NewInstrumentedCache(cache Cache, name string, stats *Stats) *InstrumentedCache {
	if cache == nil {
		return nil
	}
	return &InstrumentedCache{cache: cache, name: name, stats: stats}
}

func (c *InstrumentedCache) Get(ctx context.Context, key string) (Entry, bool) {
	if c == nil || c.cache == nil {
		return Entry{}, false
	}
	entry, ok := c.cache.Get(ctx, key)
	c.stats.record(ok)
	result := "miss"
	if ok {
		result = "hit"
	}
	metrics.CacheHits.WithLabelValues("form", result).Inc()
	if !ok {
		return Entry{}, false
	}
	return entry, true
}

func (c *InstrumentedCache) Put(ctx context.Context, key string, entry Entry) {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.Put(ctx, key, entry)
}

// Backend names the wrapped cache ("memory" or "redis").
func (c *InstrumentedCache) Backend() string {
	if c == nil {
		return ""
	}
	return c.name
}
