// ABOUTME: Retry policy applied at the network-call boundary
// ABOUTME: Exponential backoff with jitter and a caller-supplied sleep primitive

package directline

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy decides how transient failures are retried. The zero value and
// NoRetry make a single attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter spreads each delay by up to ±Jitter of its value (0..1).
	Jitter float64
	// RetrySends allows retrying Send. A retried send whose first attempt
	// reached the service delivers the activity twice.
	RetrySends bool
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NoRetry returns a policy that makes exactly one attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func (p RetryPolicy) attempts(idempotent bool) int {
	if p.MaxAttempts < 1 || (!idempotent && !p.RetrySends) {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		j := min(p.Jitter, 1)
		spread := (rand.Float64()*2 - 1) * j * float64(d)
		d += time.Duration(spread)
	}
	return d
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
