package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig controls attempts and backoff. Zero values take defaults.
type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	// Retryable, when set, stops retrying as soon as it returns false.
	Retryable func(error) bool
	// OnRetry is called before each wait with the number of attempts made.
	OnRetry func(attempt int, err error, next time.Duration)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFraction <= 0 {
		c.JitterFraction = 0.1
	}
	return c
}

func (c RetryConfig) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.InitialDelay
	exp.MaxInterval = c.MaxDelay
	exp.Multiplier = c.Multiplier
	exp.RandomizationFactor = c.JitterFraction
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.MaxAttempts-1)), ctx)
}

// Retry calls fn until it succeeds, attempts run out, ctx ends or the error
// is not retryable. The last error is wrapped in the result.
func Retry(ctx context.Context, name string, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()
	var (
		attempts  int
		permanent bool
	)
	op := func() error {
		attempts++
		err := fn()
		if err != nil && cfg.Retryable != nil && !cfg.Retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempts, err, next)
		}
	}

	err := backoff.RetryNotify(op, cfg.policy(ctx), notify)
	switch {
	case err == nil:
		return nil
	case permanent:
		return fmt.Errorf("%s failed with a permanent error: %w", name, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%s aborted after %d attempt(s): %w", name, attempts, ctx.Err())
	default:
		return fmt.Errorf("all %d attempts failed for %s: %w", attempts, name, err)
	}
}
