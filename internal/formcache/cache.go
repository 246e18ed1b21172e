// Package formcache stores generated tax-form narratives keyed by the tax data they describe.
package formcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"taxgpt-api/internal/config"
	"taxgpt-api/internal/model"
)

type Entry struct {
	Summary   string    `json:"summary"`
	Model     string    `json:"model,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool)
	Put(ctx context.Context, key string, entry Entry)
}

// Key identifies a narrative by the content of the tax data it was generated from.
func Key(data model.TaxData) string {
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16])
}

// New builds the cache selected by cfg.FormCacheMode, wrapped with stats. Mode "off"
// returns nil, which callers treat as no caching.
func New(cfg *config.Config, stats *Stats) Cache {
	ttl := time.Duration(cfg.FormCacheTTLSeconds) * time.Second
	var backend Cache
	var name string
	switch cfg.FormCacheMode {
	case "off", "none", "disabled":
		return nil
	case "redis":
		if rc := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, ttl, cfg.RedisPrefix); rc != nil {
			backend, name = rc, "redis"
		}
	}
	if backend == nil {
		backend, name = NewMemoryCache(cfg.FormCacheSize, ttl), "memory"
	}
	return NewInstrumentedCache(backend, name, stats)
}
