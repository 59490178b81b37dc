package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimit_Normalize(t *testing.T) {
	tests := []struct {
		name     string
		in       Limit
		expected Limit
	}{
		{"capacity defaults to ceil rate", Limit{RatePerSecond: 3}, Limit{RatePerSecond: 3, Capacity: 3}},
		{"fractional rate rounds up", Limit{RatePerSecond: 0.5}, Limit{RatePerSecond: 0.5, Capacity: 1}},
		{"explicit capacity kept", Limit{RatePerSecond: 10, Capacity: 2}, Limit{RatePerSecond: 10, Capacity: 2}},
		{"zero rate guarded", Limit{}, Limit{RatePerSecond: 1, Capacity: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.in.normalize())
		})
	}
}

func TestRegistry_LazyIdempotentCreation(t *testing.T) {
	reg := NewRegistry(Limit{RatePerSecond: 10}, map[string]Limit{"pubmed": {RatePerSecond: 3}})
	assert.Empty(t, reg.Keys())

	a := reg.Limiter("pubmed")
	b := reg.Limiter("pubmed")
	assert.Same(t, a, b)
	assert.Equal(t, []string{"pubmed"}, reg.Keys())

	assert.Equal(t, Limit{RatePerSecond: 3, Capacity: 3}, reg.LimitFor("pubmed"))
	assert.Equal(t, Limit{RatePerSecond: 10, Capacity: 10}, reg.LimitFor("chembl"))
}

func TestRegistry_ConcurrentCreation(t *testing.T) {
	reg := NewRegistry(Limit{RatePerSecond: 100}, nil)

	var wg sync.WaitGroup
	seen := make(chan any, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- reg.Limiter("shared")
		}()
	}
	wg.Wait()
	close(seen)

	first := <-seen
	for l := range seen {
		assert.Same(t, first, l)
	}
}

func TestRegistry_BurstThenThrottle(t *testing.T) {
	// 20 tokens/s, capacity 2: two immediate grants, then one every 50ms.
	reg := NewRegistry(Limit{RatePerSecond: 20, Capacity: 2}, nil)
	ctx := context.Background()

	start := time.Now()
	var stamps []time.Duration
	for i := 0; i < 6; i++ {
		require.NoError(t, reg.Acquire(ctx, "src"))
		stamps = append(stamps, time.Since(start))
	}

	assert.Less(t, stamps[1], 30*time.Millisecond, "capacity grants should be immediate")
	// Four refilled tokens at 50ms each.
	assert.GreaterOrEqual(t, stamps[5], 180*time.Millisecond)

	// Sustained throughput never exceeds the refill rate beyond the initial burst.
	for i := 3; i < len(stamps); i++ {
		granted := float64(i + 1)
		allowed := 2 + stamps[i].Seconds()*20 + 0.5
		assert.LessOrEqual(t, granted, allowed, "grant %d at %v", i, stamps[i])
	}
}

func TestRegistry_IndependentBuckets(t *testing.T) {
	reg := NewRegistry(Limit{RatePerSecond: 1, Capacity: 1}, nil)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, reg.Acquire(ctx, "a"))
	require.NoError(t, reg.Acquire(ctx, "b"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestRegistry_TokensStayInRange(t *testing.T) {
	reg := NewRegistry(Limit{RatePerSecond: 50, Capacity: 3}, nil)
	ctx := context.Background()

	assert.InDelta(t, 3.0, reg.Tokens("src"), 0.01)

	for i := 0; i < 5; i++ {
		require.NoError(t, reg.Acquire(ctx, "src"))
		tokens := reg.Tokens("src")
		assert.GreaterOrEqual(t, tokens, 0.0)
		assert.LessOrEqual(t, tokens, 3.0)
	}

	time.Sleep(200 * time.Millisecond)
	assert.LessOrEqual(t, reg.Tokens("src"), 3.0)
}

func TestRegistry_AcquireCancelled(t *testing.T) {
	reg := NewRegistry(Limit{RatePerSecond: 0.2, Capacity: 1}, nil)
	require.NoError(t, reg.Acquire(context.Background(), "slow"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := reg.Acquire(ctx, "slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRegistry_AcquireDeadlineTooShort(t *testing.T) {
	reg := NewRegistry(Limit{RatePerSecond: 0.1, Capacity: 1}, nil)
	require.NoError(t, reg.Acquire(context.Background(), "slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := reg.Acquire(ctx, "slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
