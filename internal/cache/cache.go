// Package cache provides the content-addressed result cache for the weft
// core. Results are keyed by subtask fingerprint; concurrent requests for
// the same fingerprint share a single in-flight computation, and entries
// are evicted by TTL expiry and least-recently-used ordering once the
// configured capacity is exceeded.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Config holds cache sizing parameters.
type Config struct {
	// TTL is how long an entry stays valid after creation.
	TTL time.Duration

	// Capacity is the maximum number of entries. When exceeded, the
	// least-recently-used entry is evicted first.
	Capacity int
}

// DefaultConfig returns sensible defaults for cache configuration.
func DefaultConfig() Config {
	return Config{
		TTL:      time.Hour,
		Capacity: 1024,
	}
}

// entry is one cached result.
type entry struct {
	fingerprint string
	result      []byte
	createdAt   time.Time
	lastUsedAt  time.Time
}

// Cache is a TTL+LRU result cache with a single-flight guarantee:
// for a given fingerprint, at most one compute function is in flight at
// a time. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element // fingerprint -> *entry element
	lru     *list.List               // front = most recently used
	cfg     Config
	group   singleflight.Group

	now func() time.Time // injectable clock for tests
}

// New creates a Cache with the given configuration.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	return &Cache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Get returns the cached result for the fingerprint, if present and not
// expired. A hit refreshes the entry's recency.
func (c *Cache) Get(fingerprint string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}

	ent := elem.Value.(*entry)
	if c.now().Sub(ent.createdAt) > c.cfg.TTL {
		c.removeLocked(elem)
		return nil, false
	}

	ent.lastUsedAt = c.now()
	c.lru.MoveToFront(elem)
	return ent.result, true
}

// GetOrCompute returns the cached result for the fingerprint, computing
// it with fn on a miss. For a given fingerprint only one fn invocation is
// in flight at a time; concurrent requesters await that invocation's
// result. Failed computations are not cached, so a later request retries.
//
// If ctx is cancelled while waiting, GetOrCompute returns ctx.Err() but
// the shared computation keeps running for the other waiters.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	if result, ok := c.Get(fingerprint); ok {
		return result, nil
	}

	ch := c.group.DoChan(fingerprint, func() (any, error) {
		// Double-check: another flight may have stored the entry between
		// our miss and this call.
		if result, ok := c.Get(fingerprint); ok {
			return result, nil
		}
		result, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(fingerprint, result)
		return result, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Set stores a result under the fingerprint, replacing any existing
// entry, then evicts expired and least-recently-used entries down to
// capacity. Eviction only ever touches stored entries; it cannot
// interrupt an in-flight computation.
func (c *Cache) Set(fingerprint string, result []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.entries[fingerprint]; ok {
		ent := elem.Value.(*entry)
		ent.result = result
		ent.createdAt = now
		ent.lastUsedAt = now
		c.lru.MoveToFront(elem)
		return
	}

	elem := c.lru.PushFront(&entry{
		fingerprint: fingerprint,
		result:      result,
		createdAt:   now,
		lastUsedAt:  now,
	})
	c.entries[fingerprint] = elem

	c.evictLocked()
}

// Len returns the number of stored entries, including any that have
// expired but not yet been evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// evictLocked drops expired entries, then trims the least-recently-used
// entries until the cache is within capacity. Must hold c.mu.
func (c *Cache) evictLocked() {
	now := c.now()
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if now.Sub(elem.Value.(*entry).createdAt) > c.cfg.TTL {
			c.removeLocked(elem)
		}
		elem = prev
	}

	for c.lru.Len() > c.cfg.Capacity {
		c.removeLocked(c.lru.Back())
	}
}

// removeLocked removes one element. Must hold c.mu.
func (c *Cache) removeLocked(elem *list.Element) {
	delete(c.entries, elem.Value.(*entry).fingerprint)
	c.lru.Remove(elem)
}
