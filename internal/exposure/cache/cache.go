// Package cache provides the run-scoped memoization used during one
// propagation run. Caches are plain values owned by the run, never package
// state, so concurrent runs for different reports cannot interfere.
package cache

// Cache memoizes lookups for a single propagation run. Bounded by maxEntries
// with oldest-first (insertion order) eviction; a Set of an existing key
// refreshes the value but not its insertion slot.
type Cache[K comparable, V any] struct {
	entries    map[K]V
	order      []K
	maxEntries int

	hits   int
	misses int
}

// New creates a cache bounded at maxEntries. maxEntries <= 0 means unbounded.
func New[K comparable, V any](maxEntries int) *Cache[K, V] {
	return &Cache[K, V]{
		entries:    make(map[K]V),
		maxEntries: maxEntries,
	}
}

// Get returns the cached value and whether it was present, counting a hit or
// a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.entries[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

// Set stores a value, evicting the oldest insertion once the bound is exceeded.
func (c *Cache[K, V]) Set(key K, value V) {
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
		if c.maxEntries > 0 && len(c.order) > c.maxEntries {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
	}
	c.entries[key] = value
}

// Has reports presence without touching the hit/miss counters.
func (c *Cache[K, V]) Has(key K) bool {
	_, ok := c.entries[key]
	return ok
}

// Delete removes a key if present.
func (c *Cache[K, V]) Delete(key K) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Clear drops all entries and resets the counters.
func (c *Cache[K, V]) Clear() {
	c.entries = make(map[K]V)
	c.order = nil
	c.hits = 0
	c.misses = 0
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int { return len(c.entries) }

// Hits returns the hit count.
func (c *Cache[K, V]) Hits() int { return c.hits }

// Misses returns the miss count.
func (c *Cache[K, V]) Misses() int { return c.misses }

// HitRate returns hits/(hits+misses), or 0 before any lookup.
func (c *Cache[K, V]) HitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}
