// Package cache implements the bounded request/response cache: TTL entries,
// LRU batch eviction, and single-flight coalescing of identical concurrent
// computations. Entries are opaque to the cache.
package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// numShards spreads entries over independently locked buckets so the hot
// path never serialises on a global lock.
const numShards = 16

// DefaultErrorTTL is the negative-cache TTL applied when error caching is
// enabled and a computation fails.
const DefaultErrorTTL = 2 * time.Second

// Cache is a bounded key→value store. Safe for concurrent use.
type Cache struct {
	shardCap int
	errTTL   time.Duration // 0 disables negative caching
	clock    func() time.Time

	shards [numShards]shard
	group  singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	value      any
	err        error // non-nil marks a negative entry
	insertedAt time.Time
	expiresAt  time.Time
	lastHit    atomic.Int64 // unix nanos
}

// Option configures a Cache.
type Option func(*Cache)

// WithErrorTTL enables negative caching: failed computations are remembered
// for ttl so a thundering herd of identical failing requests does not hammer
// the upstream. Values and errors never share an entry.
func WithErrorTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.errTTL = ttl }
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) { c.clock = clock }
}

// New creates a cache holding at most capacity entries. Capacity is a hard
// cap: the cache never allocates beyond O(capacity) entries.
func New(capacity int, opts ...Option) *Cache {
	if capacity < numShards {
		capacity = numShards
	}
	c := &Cache{
		shardCap: capacity / numShards,
		clock:    time.Now,
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*entry)
	}
	for _, fn := range opts {
		fn(c)
	}
	return c
}

// Get returns the live value for key. Negative entries are not visible
// through Get; only GetOrCompute serves them.
func (c *Cache) Get(key string) (any, bool) {
	e, ok := c.lookup(key)
	if !ok || e.err != nil {
		return nil, false
	}
	return e.value, true
}

// GetOrCompute returns the cached value for key, or runs compute exactly
// once per in-flight window and caches its result for ttl. Concurrent
// callers with the same key share the single computation; if it fails, all
// waiters receive the same error and nothing is stored (unless the cache
// was built with WithErrorTTL).
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) (any, error)) (any, error) {
	if e, ok := c.lookup(key); ok {
		return e.value, e.err
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a peer may have stored between our
		// miss and the group admitting us.
		if e, ok := c.lookup(key); ok {
			return e.value, e.err
		}
		v, err := compute(ctx)
		if err != nil {
			if c.errTTL > 0 {
				c.store(key, nil, err, c.errTTL)
			}
			return nil, err
		}
		c.store(key, v, nil, ttl)
		return v, nil
	})
	return v, err
}

// Put inserts or replaces the value for key.
func (c *Cache) Put(key string, value any, ttl time.Duration) {
	c.store(key, value, nil, ttl)
}

// Invalidate removes key if present.
func (c *Cache) Invalidate(key string) {
	s := c.shard(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Flush removes every entry.
func (c *Cache) Flush() {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		s.entries = make(map[string]*entry)
		s.mu.Unlock()
	}
}

// Stats is a point-in-time view of cache behaviour.
type Stats struct {
	Size      int     `json:"size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Evictions int64   `json:"evictions"`
}

// Stats returns current counters. Size counts entries still resident,
// including ones whose TTL has lapsed but which lazy expiry has not yet
// collected.
func (c *Cache) Stats() Stats {
	var size int
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		size += len(s.entries)
		s.mu.Unlock()
	}
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Size:      size,
		Hits:      hits,
		Misses:    misses,
		HitRate:   rate,
		Evictions: c.evictions.Load(),
	}
}

func (c *Cache) shard(key string) *shard {
	return &c.shards[fnv32(key)%numShards]
}

// lookup returns the live entry for key, expiring lazily.
func (c *Cache) lookup(key string) (*entry, bool) {
	now := c.clock()
	s := c.shard(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok && now.After(e.expiresAt) {
		delete(s.entries, key)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	e.lastHit.Store(now.UnixNano())
	c.hits.Add(1)
	return e, true
}

func (c *Cache) store(key string, value any, err error, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := c.clock()
	e := &entry{
		value:      value,
		err:        err,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	}
	e.lastHit.Store(now.UnixNano())

	s := c.shard(key)
	s.mu.Lock()
	if _, exists := s.entries[key]; !exists && len(s.entries) >= c.shardCap {
		c.evictLocked(s)
	}
	s.entries[key] = e
	s.mu.Unlock()
}

// evictLocked removes the ⌈cap/5⌉ least-recently-hit entries from s.
// Caller holds s.mu.
func (c *Cache) evictLocked(s *shard) {
	batch := (c.shardCap + 4) / 5
	if batch < 1 {
		batch = 1
	}
	type victim struct {
		key     string
		lastHit int64
	}
	victims := make([]victim, 0, len(s.entries))
	for k, e := range s.entries {
		victims = append(victims, victim{key: k, lastHit: e.lastHit.Load()})
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].lastHit < victims[j].lastHit })
	if batch > len(victims) {
		batch = len(victims)
	}
	for _, v := range victims[:batch] {
		delete(s.entries, v.key)
	}
	c.evictions.Add(int64(batch))
}

// fnv32 is the FNV-1a hash used for shard selection.
func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
