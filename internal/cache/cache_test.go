package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCache struct {
	getFunc        func(ctx context.Context, key string) ([]byte, bool, error)
	setFunc        func(ctx context.Context, key string, value []byte, ttl time.Duration) error
	invalidateFunc func(ctx context.Context, key string) error
}

func (m *mockCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return m.getFunc(ctx, key)
}

func (m *mockCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.setFunc(ctx, key, value, ttl)
}

func (m *mockCache) Invalidate(ctx context.Context, key string) error {
	return m.invalidateFunc(ctx, key)
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	value, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	require.NoError(t, m.Invalidate(ctx, "k"))
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.nowFn = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 5*time.Minute))

	now = now.Add(5 * time.Minute)
	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadThroughLoadsOnceAndCaches(t *testing.T) {
	ctx := context.Background()
	loads := 0
	rt := NewReadThrough(NewMemory(), time.Minute)
	load := func(context.Context) ([]byte, error) {
		loads++
		return []byte("loaded"), nil
	}

	first, err := rt.Get(ctx, "k", load)
	require.NoError(t, err)
	second, err := rt.Get(ctx, "k", load)
	require.NoError(t, err)

	assert.Equal(t, []byte("loaded"), first)
	assert.Equal(t, []byte("loaded"), second)
	assert.Equal(t, 1, loads)

	require.NoError(t, rt.Invalidate(ctx, "k"))
	_, err = rt.Get(ctx, "k", load)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}

func TestReadThroughDeduplicatesConcurrentLoads(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	loads := 0
	started := make(chan struct{})
	release := make(chan struct{})

	rt := NewReadThrough(NewMemory(), time.Minute)
	load := func(context.Context) ([]byte, error) {
		mu.Lock()
		loads++
		mu.Unlock()
		close(started)
		<-release
		return []byte("shared"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 4)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = rt.Get(ctx, "k", load)
	}()
	<-started

	for i := 1; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = rt.Get(ctx, "k", func(context.Context) ([]byte, error) {
				mu.Lock()
				loads++
				mu.Unlock()
				return []byte("shared"), nil
			})
		}(i)
	}

	// Give the latecomers a moment to join the in-flight load.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, []byte("shared"), r)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, loads, 2)
}

func TestReadThroughDegradesOnBackendFailure(t *testing.T) {
	ctx := context.Background()
	backend := &mockCache{
		getFunc: func(context.Context, string) ([]byte, bool, error) {
			return nil, false, errors.New("connection refused")
		},
		setFunc: func(context.Context, string, []byte, time.Duration) error {
			return errors.New("connection refused")
		},
	}
	rt := NewReadThrough(backend, time.Minute)

	value, err := rt.Get(ctx, "k", func(context.Context) ([]byte, error) {
		return []byte("direct"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("direct"), value)
}

func TestReadThroughPropagatesLoadErrors(t *testing.T) {
	rt := NewReadThrough(NewMemory(), time.Minute)
	_, err := rt.Get(context.Background(), "k", func(context.Context) ([]byte, error) {
		return nil, errors.New("gateway down")
	})
	require.EqualError(t, err, "gateway down")
}

func TestReadThroughRefreshReplacesValue(t *testing.T) {
	ctx := context.Background()
	loads := 0
	rt := NewReadThrough(NewMemory(), time.Minute)
	load := func(context.Context) ([]byte, error) {
		loads++
		return []byte("stale"), nil
	}

	_, err := rt.Get(ctx, "k", load)
	require.NoError(t, err)

	require.NoError(t, rt.Refresh(ctx, "k", []byte("fresh")))

	got, err := rt.Get(ctx, "k", load)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got)
	assert.Equal(t, 1, loads)
}
