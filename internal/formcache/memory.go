package formcache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryCache is a process-local LRU with an optional TTL.
type MemoryCache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	ll         *list.List
	items      map[string]*list.Element
	now        func() time.Time
}

type cacheItem struct {
	key       string
	value     Entry
	expiresAt time.Time
}

func NewMemoryCache(maxEntries int, ttl time.Duration) *MemoryCache {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &MemoryCache{
		maxEntries: maxEntries,
		ttl:        ttl,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (Entry, bool) {
	if c == nil || c.maxEntries <= 0 {
		return Entry{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	item := el.Value.(*cacheItem)
	if c.ttl > 0 && c.now().After(item.expiresAt) {
		c.removeElement(el)
		return Entry{}, false
	}
	c.ll.MoveToFront(el)
	return item.value, true
}

func (c *MemoryCache) Put(_ context.Context, key string, entry Entry) {
	if c == nil || c.maxEntries <= 0 {
		return
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		item := el.Value.(*cacheItem)
		item.value = entry
		item.expiresAt = c.expiryTime()
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&cacheItem{key: key, value: entry, expiresAt: c.expiryTime()})
	c.items[key] = el
	if c.ll.Len() > c.maxEntries {
		c.removeElement(c.ll.Back())
	}
}

// Len is the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *MemoryCache) expiryTime() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(c.ttl)
}

func (c *MemoryCache) removeElement(el *list.Element) {
	if el == nil {
		return
	}
	c.ll.Remove(el)
	delete(c.items, el.Value.(*cacheItem).key)
}
