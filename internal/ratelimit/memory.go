package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Buckets idle longer than idleFor are dropped by the sweeper, which runs
// every sweepEvery. Keys are client IDs (or remote addresses when auth is
// off), so the map would otherwise grow with every client ever seen.
const (
	idleFor    = 10 * time.Minute
	sweepEvery = time.Minute
)

// bucket tracks the remaining tokens for one client.
type bucket struct {
	tokens float64
	last   time.Time // last Allow call; drives both refill and eviction
}

// take refills the bucket for the time elapsed since the previous call, then
// tries to consume one token.
func (b *bucket) take(now time.Time, rate, burst float64) bool {
	b.tokens += now.Sub(b.last).Seconds() * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// MemoryLimiter is a per-client token bucket held in process memory. It is
// the Limiter used when TW_RATE_LIMIT_ENABLED is set; a multi-instance
// deployment would need a shared store instead, which this gateway does not
// ship.
type MemoryLimiter struct {
	rate  float64 // sustained verifications per second per client
	burst float64 // bucket capacity

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter starts a limiter allowing rate requests per second with
// the given burst per client. It spawns the idle-bucket sweeper; Close stops
// it.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow reports whether the client identified by key may proceed. A client's
// first request opens a full bucket, so bursts straight after startup are
// admitted up to the burst size.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		m.buckets[key] = &bucket{tokens: m.burst - 1, last: now}
		return true, nil
	}
	return b.take(now, m.rate, m.burst), nil
}

// Close stops the sweeper. Idempotent.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

// evictStale drops buckets whose last request is older than idleFor. An
// evicted client that returns starts over with a full bucket, which only
// ever errs in the client's favour.
func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleFor)
	for key, b := range m.buckets {
		if b.last.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
