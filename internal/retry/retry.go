// Package retry runs a single network operation under a bounded
// exponential-backoff retry policy.
//
// Failures are classified as retryable (connection failures, timeouts and
// the 429/5xx status codes listed in retryableStatus) or terminal (client
// errors, parse failures, caller cancellation). Terminal failures return
// immediately; retryable ones are retried until MaxRetries is exhausted.
//
// The executor keeps no state between calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// ErrRetriesExhausted is wrapped into the error returned when every attempt
// failed with a retryable error.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Config configures the retry policy.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero or negative disables retries; DefaultConfig uses 3.
	MaxRetries int `koanf:"max_retries" json:"max_retries"`

	// Base is the exponential base; attempt n waits Unit * Base^n.
	// Default: 2
	Base float64 `koanf:"base" json:"base"`

	// MaxBackoff caps a single wait before jitter.
	// Default: 60 seconds
	MaxBackoff time.Duration `koanf:"max_backoff" json:"max_backoff"`

	// Unit scales Base^n into a duration.
	// Default: 1 second
	Unit time.Duration `koanf:"unit" json:"unit"`

	// Jitter adds up to half the computed delay at random.
	Jitter bool `koanf:"jitter" json:"jitter"`
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		Base:       2,
		MaxBackoff: 60 * time.Second,
		Unit:       time.Second,
		Jitter:     true,
	}
}

// ApplyDefaults sets default values for unset backoff fields. MaxRetries is
// left alone: zero is a valid policy.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.Base == 0 {
		c.Base = defaults.Base
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.Unit == 0 {
		c.Unit = defaults.Unit
	}
}

// attempts returns the total number of attempts allowed.
func (c Config) attempts() int {
	if c.MaxRetries < 0 {
		return 1
	}
	return c.MaxRetries + 1
}

// Backoff returns the wait before retrying after the given 0-indexed attempt.
func (c Config) Backoff(attempt int) time.Duration {
	delay := float64(c.Unit) * math.Pow(c.Base, float64(attempt))
	if delay > float64(c.MaxBackoff) || math.IsInf(delay, 1) {
		delay = float64(c.MaxBackoff)
	}
	if c.Jitter && delay > 0 {
		delay += rand.Float64() * delay * 0.5
	}
	return time.Duration(delay)
}

// Executor applies a Config to operations.
type Executor struct {
	config Config
	logger *zap.Logger
}

// NewExecutor creates an executor. A nil logger disables logging.
func NewExecutor(config Config, logger *zap.Logger) *Executor {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{config: config, logger: logger}
}

// Config returns the effective policy.
func (e *Executor) Config() Config {
	return e.config
}

// Execute runs op until it succeeds, fails terminally, or retries run out.
// name identifies the operation in logs and errors.
func (e *Executor) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	maxAttempts := e.config.attempts()
	startTime := time.Now()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		attemptStart := time.Now()
		err := op(ctx)
		elapsed := time.Since(attemptStart)

		if err == nil {
			if attempt > 0 {
				e.logger.Info("operation recovered after retries",
					zap.String("operation", name),
					zap.Int("attempts", attempt+1),
					zap.Duration("total_time", time.Since(startTime)),
				)
			}
			return nil
		}
		lastErr = err

		// The caller's context ending is never worth retrying.
		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", name, errors.Join(ctx.Err(), err))
		}

		if Classify(err) == Terminal {
			e.logger.Debug("operation failed with terminal error",
				zap.String("operation", name),
				zap.Int("attempt", attempt+1),
				zap.Duration("elapsed", elapsed),
				zap.Int("status_code", StatusCode(err)),
				zap.Error(err),
			)
			return fmt.Errorf("%s: %w", name, err)
		}

		if attempt == maxAttempts-1 {
			break
		}

		backoff := e.config.Backoff(attempt)
		e.logger.Info("retrying operation after transient error",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("elapsed", elapsed),
			zap.Int("status_code", StatusCode(err)),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-timer.C:
		}
	}

	e.logger.Warn("operation failed after all retries exhausted",
		zap.String("operation", name),
		zap.Int("total_attempts", maxAttempts),
		zap.Duration("total_time", time.Since(startTime)),
		zap.Error(lastErr),
	)

	return fmt.Errorf("%s failed after %d attempts: %w: %w", name, maxAttempts, ErrRetriesExhausted, lastErr)
}

// Do runs op under the executor's policy and returns its value.
func Do[T any](ctx context.Context, e *Executor, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Execute(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
