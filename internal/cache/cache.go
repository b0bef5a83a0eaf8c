// Package cache implements a bounded LRU cache keyed by float32 vectors.
// Request vectors aren't directly usable as Go map keys, and hashing every
// element of a large vector on every lookup would defeat the point of
// caching, so lookups bucket by a sampled hash (first, middle, last
// element) and fall back to full elementwise equality within a bucket.
package cache

import (
	"container/list"
	"math"
	"sync"
)

// entry is the payload stored in the recency list.
type entry struct {
	key   []float32
	value []float32
}

// Cache is a fixed-capacity, least-recently-used cache mapping input
// vectors to output vectors. Safe for concurrent use.
type Cache struct {
	mu sync.Mutex

	capacity int
	ll       *list.List                  // front = most recently used
	buckets  map[uint32][]*list.Element  // sampled hash -> candidate elements

	hits   uint64
	misses uint64
}

// New creates a cache holding at most capacity entries. A non-positive
// capacity is treated as 1 rather than as unbounded.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		buckets:  make(map[uint32][]*list.Element),
	}
}

// sampleHash hashes the first, middle, and last elements of a vector the
// same way the reference VectorHash combiner does, trading exactness for
// speed on long vectors — collisions are resolved by the full equality
// check in Get/Put.
func sampleHash(v []float32) uint32 {
	if len(v) == 0 {
		return 0
	}
	var h uint32
	combine := func(f float32) {
		h ^= floatBits(f) + 0x9e3779b9 + (h << 6) + (h >> 2)
	}
	combine(v[0])
	combine(v[len(v)/2])
	combine(v[len(v)-1])
	return h
}

func floatBits(f float32) uint32 {
	return math.Float32bits(f)
}

func vectorsEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Get looks up key, promoting it to most-recently-used on a hit.
func (c *Cache) Get(key []float32) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := sampleHash(key)
	for _, ele := range c.buckets[h] {
		e := ele.Value.(*entry)
		if vectorsEqual(e.key, key) {
			c.ll.MoveToFront(ele)
			c.hits++
			return e.value, true
		}
	}
	c.misses++
	return nil, false
}

// Put inserts or updates key's value, evicting the least-recently-used
// entry if the cache is at capacity.
func (c *Cache) Put(key, value []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := sampleHash(key)
	for _, ele := range c.buckets[h] {
		e := ele.Value.(*entry)
		if vectorsEqual(e.key, key) {
			e.value = value
			c.ll.MoveToFront(ele)
			return
		}
	}

	ele := c.ll.PushFront(&entry{key: key, value: value})
	c.buckets[h] = append(c.buckets[h], ele)

	if c.ll.Len() > c.capacity {
		c.evictOldest()
	}
}

func (c *Cache) evictOldest() {
	oldest := c.ll.Back()
	if oldest == nil {
		return
	}
	c.ll.Remove(oldest)
	e := oldest.Value.(*entry)
	h := sampleHash(e.key)
	bucket := c.buckets[h]
	for i, ele := range bucket {
		if ele == oldest {
			c.buckets[h] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(c.buckets[h]) == 0 {
		delete(c.buckets, h)
	}
}

// Size returns the number of entries currently cached.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Clear empties the cache and resets hit/miss counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll = list.New()
	c.buckets = make(map[uint32][]*list.Element)
	c.hits = 0
	c.misses = 0
}

// HitRate returns hits / (hits + misses), or 0 when nothing has been
// looked up yet.
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// Stats is a point-in-time snapshot for the worker's /health endpoint.
type Stats struct {
	Size     int
	Capacity int
	Hits     uint64
	Misses   uint64
	HitRate  float64
}

// Snapshot returns Stats under a single lock acquisition, avoiding a
// torn read across separate Size/HitRate calls.
func (c *Cache) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Size:     c.ll.Len(),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
		HitRate:  rate,
	}
}
