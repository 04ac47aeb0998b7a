package dedup

import (
	"context"
	"time"
)

// RetryPolicy bounds retries of transient storage failures at the storage
// boundary. Permanent errors and context cancellation stop retrying
// immediately. The zero value performs a single attempt.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// Do runs fn up to MaxAttempts times, sleeping Backoff between attempts.
// Returns the last error if all attempts fail.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff):
		}
	}

	return err
}
