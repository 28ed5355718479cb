package query

import (
	"net/url"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/malbeclabs/tripflow/internal/metrics"
)

const keySep = "\x00"

// trafficCache memoizes traffic results per project and filter set. Entries are only dropped by
// capacity eviction, TTL expiry or an explicit invalidation of their project.
type trafficCache struct {
	cache *ttlcache.Cache[string, string]
}

func newTrafficCache(capacity uint64, ttl time.Duration) *trafficCache {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithCapacity[string, string](capacity),
	)
	go cache.Start()
	return &trafficCache{cache: cache}
}

func trafficCacheKey(project string, filters map[string]string) string {
	vals := url.Values{}
	for k, v := range filters {
		vals.Set(k, v)
	}
	// Encode sorts by key, so equal filter sets share an entry.
	return project + keySep + vals.Encode()
}

func (c *trafficCache) get(key string) (string, bool) {
	item := c.cache.Get(key)
	if item == nil {
		metrics.TrafficCacheTotal.WithLabelValues("miss").Inc()
		return "", false
	}
	metrics.TrafficCacheTotal.WithLabelValues("hit").Inc()
	return item.Value(), true
}

func (c *trafficCache) set(key, value string) {
	c.cache.Set(key, value, ttlcache.DefaultTTL)
}

func (c *trafficCache) invalidate(project string) int {
	prefix := project + keySep
	var n int
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Delete(key)
			n++
		}
	}
	return n
}

func (c *trafficCache) len() int {
	return c.cache.Len()
}

func (c *trafficCache) stop() {
	c.cache.Stop()
}
