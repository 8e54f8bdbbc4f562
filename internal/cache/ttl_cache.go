package cache

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultCleanupInterval = 5 * time.Minute

// Cache is a typed view over an in-memory TTL store.
type Cache[V any] interface {
	Get(key string) (V, bool)
	Set(key string, value V, ttl time.Duration)
	Delete(key string)
	DeleteByPrefix(prefix string)
}

type ttlCache[V any] struct {
	store *gocache.Cache
}

func NewTTLCache[V any](defaultTTL time.Duration) Cache[V] {
	return &ttlCache[V]{store: gocache.New(defaultTTL, defaultCleanupInterval)}
}

func (c *ttlCache[V]) Get(key string) (V, bool) {
	var zero V
	raw, ok := c.store.Get(key)
	if !ok {
		return zero, false
	}
	value, ok := raw.(V)
	if !ok {
		return zero, false
	}
	return value, true
}

func (c *ttlCache[V]) Set(key string, value V, ttl time.Duration) {
	c.store.Set(key, value, ttl)
}

func (c *ttlCache[V]) Delete(key string) {
	c.store.Delete(key)
}

func (c *ttlCache[V]) DeleteByPrefix(prefix string) {
	for k := range c.store.Items() {
		if strings.HasPrefix(k, prefix) {
			c.store.Delete(k)
		}
	}
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
