package shared

import (
	"runtime"
	"sync"
	"weak"

	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/metrics"
)

// cache is the weak-reference cache mapping item id to shared node state:
// entries are evicted automatically once nothing else in the process
// retains the pointer, via weak.Pointer plus runtime.AddCleanup.
type cache struct {
	mu      sync.Mutex
	entries map[string]weak.Pointer[item.NodeState]
}

func newCache() *cache {
	return &cache{entries: make(map[string]weak.Pointer[item.NodeState])}
}

// get returns the cached state for id if it is still reachable.
func (c *cache) get(key string) (*item.NodeState, bool) {
	c.mu.Lock()
	wp, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	s := wp.Value()
	if s == nil {
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	metrics.CacheHitsTotal.Inc()
	return s, true
}

// put registers s under key and arranges for automatic eviction once s
// becomes unreachable from anywhere else.
func (c *cache) put(key string, s *item.NodeState) {
	c.mu.Lock()
	c.entries[key] = weak.Make(s)
	c.mu.Unlock()

	runtime.AddCleanup(s, func(k string) {
		c.evict(k)
	}, key)
}

// evict removes key unconditionally, invoked by the cleanup registered in
// put once the shared state it guarded has been collected.
func (c *cache) evict(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	metrics.CacheEvictionsTotal.Inc()
}

// size reports the number of live entries still resolvable to a value;
// used by the housekeeping loop to sample cache occupancy.
func (c *cache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, wp := range c.entries {
		if wp.Value() != nil {
			n++
		}
	}
	return n
}

// propCache is cache's property-state counterpart: the same weak-reference
// scheme, keyed by property id string, populated as a side effect of
// decoding the owning node's bundle.
type propCache struct {
	mu      sync.Mutex
	entries map[string]weak.Pointer[item.PropertyState]
}

func newPropCache() *propCache {
	return &propCache{entries: make(map[string]weak.Pointer[item.PropertyState])}
}

func (c *propCache) get(key string) (*item.PropertyState, bool) {
	c.mu.Lock()
	wp, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	p := wp.Value()
	if p == nil {
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	metrics.CacheHitsTotal.Inc()
	return p, true
}

func (c *propCache) put(key string, p *item.PropertyState) {
	c.mu.Lock()
	c.entries[key] = weak.Make(p)
	c.mu.Unlock()

	runtime.AddCleanup(p, func(k string) {
		c.evict(k)
	}, key)
}

func (c *propCache) evict(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	metrics.CacheEvictionsTotal.Inc()
}
