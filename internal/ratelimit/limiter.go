// Package ratelimit provides per-resource token buckets for outbound calls.
//
// Each resource key (one per data source) owns an independent bucket that is
// created lazily on first use. Buckets only delay callers, they never reject:
// Acquire blocks until a token is available or the context is done.
//
// Example usage:
//
//	reg := ratelimit.NewRegistry(ratelimit.Limit{RatePerSecond: 10}, map[string]ratelimit.Limit{
//	    "pubmed": {RatePerSecond: 3},
//	})
//	if err := reg.Acquire(ctx, "pubmed"); err != nil {
//	    return err // context cancelled while waiting
//	}
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit configures a single token bucket.
type Limit struct {
	// RatePerSecond is the refill rate in tokens per second.
	RatePerSecond float64 `koanf:"rate_per_second" json:"rate_per_second"`

	// Capacity is the bucket size. Zero means ceil(RatePerSecond).
	Capacity int `koanf:"capacity" json:"capacity"`
}

// normalize fills in the capacity default and guards against a zero rate.
func (l Limit) normalize() Limit {
	if l.RatePerSecond <= 0 {
		l.RatePerSecond = 1
	}
	if l.Capacity <= 0 {
		l.Capacity = int(math.Ceil(l.RatePerSecond))
	}
	return l
}

// Registry owns the token buckets for every resource key.
//
// A Registry is safe for concurrent use by multiple goroutines and is meant
// to be shared across runs for the lifetime of the host process.
type Registry struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	defaults Limit
	perKey   map[string]Limit
}

// NewRegistry creates a registry. perKey overrides the default limit for
// specific resource keys.
func NewRegistry(defaults Limit, perKey map[string]Limit) *Registry {
	overrides := make(map[string]Limit, len(perKey))
	for k, v := range perKey {
		overrides[k] = v.normalize()
	}
	return &Registry{
		buckets:  make(map[string]*rate.Limiter),
		defaults: defaults.normalize(),
		perKey:   overrides,
	}
}

// Limiter returns the bucket for key, creating it on first use.
func (r *Registry) Limiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.buckets[key]; ok {
		return l
	}

	cfg := r.limitFor(key)
	l := rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Capacity)
	r.buckets[key] = l
	return l
}

// LimitFor reports the configured limit for key.
func (r *Registry) LimitFor(key string) Limit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limitFor(key)
}

// limitFor must be called with r.mu held.
func (r *Registry) limitFor(key string) Limit {
	if cfg, ok := r.perKey[key]; ok {
		return cfg
	}
	return r.defaults
}

// Acquire blocks until one token is available for key, then consumes it.
//
// The only error is a context error: cancellation while waiting, or a
// deadline that expires before the next token would accrue.
func (r *Registry) Acquire(ctx context.Context, key string) error {
	if err := r.Limiter(key).Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("acquire %s: %w", key, ctxErr)
		}
		// Wait refuses up front when the deadline cannot be met.
		return fmt.Errorf("acquire %s: %w", key, context.DeadlineExceeded)
	}
	return nil
}

// Tokens returns the tokens currently available for key, in [0, capacity].
func (r *Registry) Tokens(key string) float64 {
	tokens := r.Limiter(key).TokensAt(time.Now())
	if tokens < 0 {
		// Reservations made by concurrent waiters can borrow against the future.
		return 0
	}
	return tokens
}

// Keys returns the resource keys with an initialized bucket, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.buckets))
	for k := range r.buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
