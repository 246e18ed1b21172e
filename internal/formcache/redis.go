package formcache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares narratives between server instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache returns nil when addr is empty.
func NewRedisCache(addr, password string, db int, ttl time.Duration, prefix string) *RedisCache {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	if prefix == "" {
		prefix = "taxgpt:form:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 2 * time.Second,
	})
	return &RedisCache{client: client, ttl: ttl, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) (Entry, bool) {
	if c == nil || c.client == nil {
		return Entry{}, false
	}
	value, err := c.client.Get(ctx, c.prefix+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("form cache: redis get failed", "error", err)
		}
		return Entry{}, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(value), &entry); err != nil {
		return Entry{}, false
	}
	return entry, true
}

func (c *RedisCache) Put(ctx context.Context, key string, entry Entry) {
	if c == nil || c.client == nil {
		return
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		slog.Warn("form cache: redis set failed", "error", err)
	}
}

func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
