package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestGetOrFetch_CachesUntilExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	c := NewWithClock[string, []string](clock.Now)
	calls := 0
	fetch := func(context.Context) ([]string, error) {
		calls++
		return []string{"2024-03-01"}, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrFetch(context.Background(), "SPY", time.Hour, fetch)
		require.NoError(t, err)
		assert.Equal(t, []string{"2024-03-01"}, v)
	}
	assert.Equal(t, 1, calls)

	clock.Advance(59 * time.Minute)
	_, _ = c.GetOrFetch(context.Background(), "SPY", time.Hour, fetch)
	assert.Equal(t, 1, calls)

	clock.Advance(time.Minute)
	_, _ = c.GetOrFetch(context.Background(), "SPY", time.Hour, fetch)
	assert.Equal(t, 2, calls, "entry expires exactly at ttl")
}

func TestGetOrFetch_ErrorsAreNotCached(t *testing.T) {
	c := New[string, int]()
	boom := errors.New("boom")
	calls := 0

	_, err := c.GetOrFetch(context.Background(), "k", time.Minute, func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	v, err := c.GetOrFetch(context.Background(), "k", time.Minute, func(context.Context) (int, error) {
		calls++
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 2, calls)
}

func TestGetOrFetch_ZeroTTLBypasses(t *testing.T) {
	c := New[string, int]()
	calls := 0
	fetch := func(context.Context) (int, error) { calls++; return calls, nil }

	a, _ := c.GetOrFetch(context.Background(), "k", 0, fetch)
	b, _ := c.GetOrFetch(context.Background(), "k", 0, fetch)
	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 0, c.Len())
}

func TestGetOrFetch_StructKeys(t *testing.T) {
	type chainKey struct{ Ticker, Expiration string }
	c := New[chainKey, string]()

	_, _ = c.GetOrFetch(context.Background(), chainKey{"SPY", "2024-03-01"}, time.Minute,
		func(context.Context) (string, error) { return "a", nil })
	v, _ := c.GetOrFetch(context.Background(), chainKey{"SPY", "2024-03-08"}, time.Minute,
		func(context.Context) (string, error) { return "b", nil })

	assert.Equal(t, "b", v)
	assert.Equal(t, 2, c.Len())

	c.Invalidate(chainKey{"SPY", "2024-03-01"})
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get(chainKey{"SPY", "2024-03-01"})
	assert.False(t, ok)
}

func TestGetOrFetch_ConcurrentMissesShareFetch(t *testing.T) {
	c := New[string, int]()
	var calls int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrFetch(context.Background(), "k", time.Minute, func(context.Context) (int, error) {
				atomic.AddInt32(&calls, 1)
				<-release
				return 42, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, v := range results {
		assert.Equal(t, 42, v)
	}
	// late arrivals either joined the flight or hit the cache
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
