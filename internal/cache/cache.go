// Package cache memoizes data source lookups for a bounded time.
//
// Keys are derived from an operation name plus its parameters, independent
// of parameter order. Entries expire lazily: an expired entry is detected on
// the next lookup and replaced by a fresh value. There is no eviction beyond
// TTL, so the in-memory store grows for the lifetime of the process.
//
// Example usage:
//
//	c := cache.New(cache.NewMemoryStore(), time.Hour, logger)
//	key := cache.Key("pubmed.search", map[string]any{"query": "EGFR", "max_results": 20})
//	data, cached, err := c.GetOrCompute(ctx, key, 0, fetch)
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Entry is an immutable cached value.
type Entry struct {
	Key      string    `json:"key"`
	Value    []byte    `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

// Expired reports whether the entry is older than ttl at now.
func (e Entry) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.StoredAt) > ttl
}

// Store persists entries. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Len(ctx context.Context) (int, error)
	Name() string
}

// Producer computes a value on a cache miss.
type Producer func(ctx context.Context) ([]byte, error)

// Stats summarizes lookups since creation.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// HitRatio returns hits / lookups, or 0 before the first lookup.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a TTL memoization layer over a Store.
type Cache struct {
	store      Store
	defaultTTL time.Duration
	logger     *zap.Logger
	metrics    *Metrics
	now        func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache. defaultTTL applies when GetOrCompute gets ttl <= 0.
func New(store Store, defaultTTL time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:      store,
		defaultTTL: defaultTTL,
		logger:     logger,
		metrics:    NewMetrics(),
		now:        time.Now,
	}
}

// GetOrCompute returns the live value for key, or invokes producer, stores
// its result and returns it. The boolean reports whether the value came from
// the cache. Producer errors are returned and nothing is stored.
//
// Store failures degrade to a miss; they never fail the lookup.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, producer Producer) ([]byte, bool, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	entry, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache lookup failed, treating as miss",
			zap.String("store", c.store.Name()),
			zap.String("key", key),
			zap.Error(err))
		found = false
	}

	if found && !entry.Expired(c.now(), ttl) {
		c.hits.Add(1)
		c.metrics.RecordHit(c.store.Name())
		return entry.Value, true, nil
	}

	c.misses.Add(1)
	c.metrics.RecordMiss(c.store.Name())

	value, err := producer(ctx)
	if err != nil {
		return nil, false, err
	}

	fresh := Entry{Key: key, Value: value, StoredAt: c.now()}
	if err := c.store.Set(ctx, fresh, ttl); err != nil {
		c.logger.Warn("cache store failed",
			zap.String("store", c.store.Name()),
			zap.String("key", key),
			zap.Error(err))
	}

	return value, false, nil
}

// Stats returns hit and miss counts and the current entry count.
func (c *Cache) Stats(ctx context.Context) Stats {
	n, err := c.store.Len(ctx)
	if err != nil {
		c.logger.Debug("cache size unavailable", zap.Error(err))
	}
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: n,
	}
}

// Key builds a deterministic key from an operation and its parameters.
// Parameter order does not matter; values are JSON encoded.
func Key(operation string, params map[string]any) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(operation)
	for _, name := range names {
		b.WriteByte('|')
		b.WriteString(name)
		b.WriteByte('=')
		encoded, err := json.Marshal(params[name])
		if err != nil {
			encoded = []byte(fmt.Sprintf("%v", params[name]))
		}
		b.Write(encoded)
	}
	return b.String()
}
