package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultObjectCacheSize is used when a non-positive size is requested.
const DefaultObjectCacheSize = 4096

// ObjectCache is a size-bounded LRU keyed by content address.
//
// Thread-safe: the underlying lru.Cache is internally locked; the hit and
// miss counters are atomics.
type ObjectCache[K comparable, V any] struct {
	lru     *lru.Cache[K, V]
	maxSize int

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewObjectCache creates a cache holding at most maxSize entries.
func NewObjectCache[K comparable, V any](maxSize int) *ObjectCache[K, V] {
	if maxSize <= 0 {
		maxSize = DefaultObjectCacheSize
	}
	l, err := lru.New[K, V](maxSize)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(err)
	}
	return &ObjectCache[K, V]{lru: l, maxSize: maxSize}
}

// Get returns the cached value for key.
func (c *ObjectCache[K, V]) Get(key K) (V, bool) {
	if Disabled {
		var zero V
		return zero, false
	}
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Set stores value under key, evicting the least recently used entry when
// the cache is full.
func (c *ObjectCache[K, V]) Set(key K, value V) {
	if Disabled {
		return
	}
	c.lru.Add(key, value)
}

// Invalidate clears all entries from the cache.
func (c *ObjectCache[K, V]) Invalidate() {
	c.lru.Purge()
}

// Stats describes cache occupancy and effectiveness.
type Stats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
}

// Stats returns current cache statistics.
func (c *ObjectCache[K, V]) Stats() Stats {
	return Stats{
		Size:    c.lru.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}
