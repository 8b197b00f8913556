package membership

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const shardCount = 16

// cache is a sharded TTL map. Sharding keeps lock contention off the hot
// authorization path; each shard is an RWMutex over a plain map.
type cache struct {
	shards [shardCount]*shard
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	value     any
	expiresAt time.Time
}

func newCache() *cache {
	c := &cache{}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]entry)}
	}
	return c
}

func (c *cache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

func (c *cache) get(key string) (any, bool) {
	s := c.shardFor(key)

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (c *cache) set(key string, value any, ttl time.Duration) {
	s := c.shardFor(key)

	s.mu.Lock()
	s.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
}

func (c *cache) delete(keys ...string) {
	for _, key := range keys {
		s := c.shardFor(key)
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
	}
}

// deleteScope evicts every entry whose key ends in the given scope ID.
// Used when a channel or workspace disappears and the affected user set
// is unknown. Walks all shards; eviction events are rare enough that the
// scan does not matter.
func (c *cache) deleteScope(scopeID string) {
	suffix := ":" + scopeID
	for _, s := range c.shards {
		s.mu.Lock()
		for key := range s.entries {
			if strings.HasSuffix(key, suffix) {
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
}
