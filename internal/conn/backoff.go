package conn

import (
	"math/rand"
	"time"
)

// RetryConfig controls the bounded retry loop around companion calls.
type RetryConfig struct {
	MaxRetries int           // retries after the first attempt (0 = no retry)
	BaseDelay  time.Duration // initial backoff delay
	MaxDelay   time.Duration // backoff ceiling
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

// backoffWithJitter computes delay = min(base * 2^attempt, max) + jitter(±25%).
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max {
		delay = max
	}

	quarter := delay / 4
	if quarter > 0 {
		jitter := time.Duration(rand.Int63n(int64(quarter*2))) - quarter
		delay += jitter
	}

	return delay
}
