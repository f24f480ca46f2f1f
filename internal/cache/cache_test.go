package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1756000000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestPutGetRoundTrip(t *testing.T) {
	c := New(100)
	c.Put("k", "v", time.Minute)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	clk := newFakeClock()
	c := New(100, WithClock(clk.Now))

	c.Put("k", "v", time.Minute)
	_, ok := c.Get("k")
	require.True(t, ok)

	clk.Advance(61 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry should expire after its TTL")
}

func TestZeroTTLNotStored(t *testing.T) {
	c := New(100)
	c.Put("k", "v", 0)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestInvalidateAndFlush(t *testing.T) {
	c := New(100)
	c.Put("a", 1, time.Minute)
	c.Put("b", 2, time.Minute)

	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)

	c.Flush()
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Size)
}

func TestCapacityBound(t *testing.T) {
	const capacity = 64
	c := New(capacity)

	for i := 0; i < capacity*4; i++ {
		c.Put(fmt.Sprintf("key-%d", i), i, time.Minute)
	}

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Size, capacity, "cache must never exceed its capacity")
	assert.Positive(t, stats.Evictions)
}

func TestEvictionPrefersLeastRecentlyHit(t *testing.T) {
	clk := newFakeClock()
	// Capacity 16 gives one slot per shard, so a second key landing in the
	// same shard must evict the first.
	c := New(16, WithClock(clk.Now))

	c.Put("hot", "v", time.Hour)
	clk.Advance(time.Second)
	_, _ = c.Get("hot")

	for i := 0; i < 64; i++ {
		clk.Advance(time.Second)
		c.Put(fmt.Sprintf("cold-%d", i), i, time.Hour)
	}
	assert.LessOrEqual(t, c.Stats().Size, 16)
}

func TestGetOrComputeCachesValue(t *testing.T) {
	c := New(100)
	var calls atomic.Int64

	compute := func(context.Context) (any, error) {
		calls.Add(1)
		return "computed", nil
	}

	for i := 0; i < 5; i++ {
		v, err := c.GetOrCompute(context.Background(), "k", time.Minute, compute)
		require.NoError(t, err)
		assert.Equal(t, "computed", v)
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestGetOrComputeCoalescesConcurrent(t *testing.T) {
	c := New(100)
	var calls atomic.Int64
	release := make(chan struct{})

	compute := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = c.GetOrCompute(context.Background(), "shared", time.Minute, compute)
		}(i)
	}

	// Give the goroutines time to pile onto the flight, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "concurrent identical keys must share one computation")
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, 42, results[i])
	}
}

func TestGetOrComputeErrorNotCachedByDefault(t *testing.T) {
	c := New(100)
	var calls atomic.Int64
	boom := errors.New("boom")

	compute := func(context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	}

	_, err := c.GetOrCompute(context.Background(), "k", time.Minute, compute)
	require.ErrorIs(t, err, boom)
	_, err = c.GetOrCompute(context.Background(), "k", time.Minute, compute)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(2), calls.Load(), "without error TTL every call should recompute")
}

func TestGetOrComputeNegativeCache(t *testing.T) {
	clk := newFakeClock()
	c := New(100, WithClock(clk.Now), WithErrorTTL(2*time.Second))
	var calls atomic.Int64
	boom := errors.New("boom")

	compute := func(context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	}

	_, err := c.GetOrCompute(context.Background(), "k", time.Minute, compute)
	require.ErrorIs(t, err, boom)

	// Within the error TTL the failure is served from cache.
	_, err = c.GetOrCompute(context.Background(), "k", time.Minute, compute)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), calls.Load())

	// Negative entries are invisible to Get.
	_, ok := c.Get("k")
	assert.False(t, ok)

	// After the error TTL the computation runs again.
	clk.Advance(3 * time.Second)
	_, err = c.GetOrCompute(context.Background(), "k", time.Minute, compute)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(2), calls.Load())
}

func TestStatsCounters(t *testing.T) {
	c := New(100)
	c.Put("k", "v", time.Minute)

	_, _ = c.Get("k")
	_, _ = c.Get("k")
	_, _ = c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
}
