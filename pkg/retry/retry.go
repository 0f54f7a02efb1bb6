// Package retry implements the small exponential backoff helper called
// for by spec.md §9's error handling design note: retry on network errors
// and 5xx, never on 404, capped by a caller-supplied attempt count.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy configures Do's backoff schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// ShouldRetry decides whether err is worth another attempt. A nil
	// ShouldRetry retries every non-nil error.
	ShouldRetry func(err error) bool
}

// DefaultPolicy is a reasonable starting point: 3 attempts, 500ms base
// delay doubling up to 5s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Do calls fn until it succeeds, the policy's ShouldRetry rejects the
// error, MaxAttempts is exhausted, or ctx is cancelled. It returns the
// last error encountered.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if p.ShouldRetry != nil && !p.ShouldRetry(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := backoff(p, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// backoff computes attempt's delay: base * 2^attempt, capped at MaxDelay,
// with up to 20% jitter to avoid synchronized retries.
func backoff(p Policy, attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}
