package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingProducer(calls *int, value string) Producer {
	return func(ctx context.Context) ([]byte, error) {
		*calls++
		return []byte(value), nil
	}
}

func TestKey_OrderIndependent(t *testing.T) {
	a := Key("pubmed.search", map[string]any{"query": "EGFR", "max_results": 20, "years_back": 5})
	b := Key("pubmed.search", map[string]any{"years_back": 5, "query": "EGFR", "max_results": 20})
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, Key("chembl.search", map[string]any{"query": "EGFR", "max_results": 20, "years_back": 5}))
	assert.NotEqual(t, a, Key("pubmed.search", map[string]any{"query": "EGFR", "max_results": 10, "years_back": 5}))
	assert.Equal(t, "op", Key("op", nil))
}

func TestCache_ProducerCalledOnceBeforeExpiry(t *testing.T) {
	c := New(NewMemoryStore(), time.Hour, nil)
	ctx := context.Background()
	key := Key("pubmed.search", map[string]any{"query": "EGFR"})
	calls := 0

	v1, cached, err := c.GetOrCompute(ctx, key, 0, countingProducer(&calls, "records"))
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, []byte("records"), v1)

	v2, cached, err := c.GetOrCompute(ctx, key, 0, countingProducer(&calls, "other"))
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, []byte("records"), v2)
	assert.Equal(t, 1, calls)

	stats := c.Stats(ctx)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
	assert.InDelta(t, 0.5, stats.HitRatio(), 0.001)
}

func TestCache_RecomputesAfterExpiry(t *testing.T) {
	c := New(NewMemoryStore(), time.Minute, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	calls := 0

	_, _, err := c.GetOrCompute(ctx, "k", 0, countingProducer(&calls, "v1"))
	require.NoError(t, err)

	now = now.Add(time.Minute)
	v, cached, err := c.GetOrCompute(ctx, "k", 0, countingProducer(&calls, "v2"))
	require.NoError(t, err)
	assert.True(t, cached, "entry exactly at ttl is still live")
	assert.Equal(t, []byte("v1"), v)

	now = now.Add(time.Second)
	v, cached, err = c.GetOrCompute(ctx, "k", 0, countingProducer(&calls, "v2"))
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, []byte("v2"), v)
	assert.Equal(t, 2, calls)
}

func TestCache_ExpiredEntry(t *testing.T) {
	c := New(NewMemoryStore(), time.Hour, nil)
	ctx := context.Background()
	calls := 0

	_, _, err := c.GetOrCompute(ctx, "k", 50*time.Millisecond, countingProducer(&calls, "v"))
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	_, cached, err := c.GetOrCompute(ctx, "k", 50*time.Millisecond, countingProducer(&calls, "v"))
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 2, calls)
}

func TestCache_ProducerErrorNotStored(t *testing.T) {
	c := New(NewMemoryStore(), time.Hour, nil)
	ctx := context.Background()
	boom := errors.New("source unavailable")

	_, _, err := c.GetOrCompute(ctx, "k", 0, func(ctx context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	calls := 0
	_, cached, err := c.GetOrCompute(ctx, "k", 0, countingProducer(&calls, "v"))
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 1, calls)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(NewMemoryStore(), time.Hour, nil)
	ctx := context.Background()

	var produced atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := Key("op", map[string]any{"n": i % 5})
			_, _, err := c.GetOrCompute(ctx, key, 0, func(ctx context.Context) ([]byte, error) {
				produced.Add(1)
				return []byte("x"), nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stats := c.Stats(ctx)
	assert.Equal(t, 5, stats.Entries)
	assert.Equal(t, int64(50), stats.Hits+stats.Misses)
	assert.GreaterOrEqual(t, produced.Load(), int64(5))
}

type failingStore struct{ *MemoryStore }

func (f *failingStore) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errors.New("store down")
}

func TestCache_StoreFailureDegradesToMiss(t *testing.T) {
	c := New(&failingStore{MemoryStore: NewMemoryStore()}, time.Hour, nil)
	calls := 0

	v, cached, err := c.GetOrCompute(context.Background(), "k", 0, countingProducer(&calls, "v"))
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, []byte("v"), v)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(&redis.Options{Addr: mr.Addr()}, "test:")
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	t.Run("round trip", func(t *testing.T) {
		entry := Entry{Key: "k1", Value: []byte(`[{"id":"1"}]`), StoredAt: time.Now().UTC().Truncate(time.Millisecond)}
		require.NoError(t, store.Set(ctx, entry, time.Minute))

		got, ok, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, entry.Value, got.Value)
		assert.True(t, entry.StoredAt.Equal(got.StoredAt))
		assert.True(t, mr.Exists("test:k1"))

		n, err := store.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("missing key", func(t *testing.T) {
		_, ok, err := store.Get(ctx, "absent")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("server expiry mirrors ttl", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, Entry{Key: "k2", Value: []byte("v"), StoredAt: time.Now()}, time.Minute))
		mr.FastForward(2 * time.Minute)
		_, ok, err := store.Get(ctx, "k2")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, Entry{Key: "k3", Value: []byte("v"), StoredAt: time.Now()}, time.Minute))
		require.NoError(t, store.Delete(ctx, "k3"))
		_, ok, err := store.Get(ctx, "k3")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCache_WithRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(&redis.Options{Addr: mr.Addr()}, "")
	defer store.Close()

	c := New(store, time.Hour, nil)
	ctx := context.Background()
	calls := 0

	for i := 0; i < 3; i++ {
		v, _, err := c.GetOrCompute(ctx, "shared", 0, countingProducer(&calls, "payload"))
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), v)
	}
	assert.Equal(t, 1, calls)
	assert.True(t, mr.Exists("medagent:cache:shared"))
}
