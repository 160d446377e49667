package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	m := NewMemoryLimiter(rate, burst)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m.now = clock.Now
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 3)
	ctx := context.Background()

	for i := range 3 {
		d, err := m.Allow(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d is within burst", i)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := m.Allow(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, float64(100*time.Millisecond), float64(d.RetryAfter), float64(time.Millisecond))
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clock := newTestLimiter(t, 2, 1)
	ctx := context.Background()

	d, _ := m.Allow(ctx, "k")
	require.True(t, d.Allowed)
	d, _ = m.Allow(ctx, "k")
	require.False(t, d.Allowed)

	clock.Advance(500 * time.Millisecond)
	d, _ = m.Allow(ctx, "k")
	assert.True(t, d.Allowed, "one token refills after 1/rate seconds")
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	m, clock := newTestLimiter(t, 100, 2)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "k")
	clock.Advance(time.Hour)

	allowed := 0
	for range 5 {
		if d, _ := m.Allow(ctx, "k"); d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 1)
	ctx := context.Background()

	d, _ := m.Allow(ctx, "a")
	assert.True(t, d.Allowed)
	d, _ = m.Allow(ctx, "b")
	assert.True(t, d.Allowed)
	d, _ = m.Allow(ctx, "a")
	assert.False(t, d.Allowed)
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newTestLimiter(t, 0.001, 50)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := m.Allow(ctx, "shared")
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m, clock := newTestLimiter(t, 1, 1)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "old")
	clock.Advance(staleThreshold + time.Second)
	_, _ = m.Allow(ctx, "fresh")
	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "old")
	assert.Contains(t, m.buckets, "fresh")
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l Limiter = NoopLimiter{}
	for range 100 {
		d, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}
