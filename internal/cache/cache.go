package cache

import (
	"sync"
)

// SequenceCache defines a generic interface for caching tokenized
// sequences keyed by their raw text.
type SequenceCache interface {
	// Get retrieves token IDs from the cache.
	Get(key string) ([]int, bool)
	// Put stores token IDs in the cache.
	Put(key string, ids []int)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is a simple in-memory implementation of SequenceCache.
type MapCache struct {
	data map[string][]int
	mu   sync.RWMutex
}

func NewMapCache() *MapCache {
	return &MapCache{
		data: make(map[string][]int),
	}
}

func (c *MapCache) Get(key string) ([]int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy to avoid modification of cached value
	if v, ok := c.data[key]; ok {
		dst := make([]int, len(v))
		copy(dst, v)
		return dst, true
	}
	return nil, false
}

func (c *MapCache) Put(key string, ids []int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Store copy
	dst := make([]int, len(ids))
	copy(dst, ids)
	c.data[key] = dst
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
