// Package retrier implements bounded retry with exponential backoff and
// jitter for transient backend failures.
package retrier

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Retrier executes a function up to maxAttempts times, sleeping between
// attempts with exponentially growing, jittered delays.
type Retrier struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	factor      float64
	jitter      float64
	retryIf     func(error) bool
}

// New creates a Retrier. jitter is the fraction of the computed delay added
// as randomness (0 disables it). retryIf may be nil, in which case every
// error is retried.
func New(maxAttempts int, baseDelay, maxDelay time.Duration, factor, jitter float64, retryIf func(error) bool) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = time.Millisecond
	}
	if factor < 1.0 {
		factor = 1.0
	}
	return &Retrier{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		factor:      factor,
		jitter:      jitter,
		retryIf:     retryIf,
	}
}

// Run invokes fn until it succeeds, the attempt budget is spent, or the
// context is cancelled. The last error is wrapped on exhaustion.
func (r *Retrier) Run(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if r.retryIf != nil && !r.retryIf(err) {
			return err
		}
		if attempt == r.maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.calculateDelay(attempt)):
		}
	}
	return fmt.Errorf("max retry attempts reached: %w", err)
}

func (r *Retrier) calculateDelay(attempt int) time.Duration {
	delay := float64(r.baseDelay) * math.Pow(r.factor, float64(attempt))
	if r.maxDelay > 0 && delay > float64(r.maxDelay) {
		delay = float64(r.maxDelay)
	}
	delay += rand.Float64() * r.jitter * delay
	return time.Duration(delay)
}
