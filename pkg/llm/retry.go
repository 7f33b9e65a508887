package llm

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryPolicy retries a provider call with exponential backoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Retryable reports whether err is worth another attempt. Nil retries everything.
	Retryable func(err error) bool
	// OnRetry is called before sleeping for the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 4 * time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.InitialBackoff <= 0 || attempt < 1 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1)))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Do calls fn until it succeeds, attempts run out, the error is permanent or
// ctx is done. The last error from fn is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= attempts || ctx.Err() != nil {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}

		wait := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w after %d attempts: %v", ctx.Err(), attempt, err)
		case <-timer.C:
		}
	}
}
