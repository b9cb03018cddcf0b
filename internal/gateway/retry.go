package gateway

import (
	"context"
	"time"

	"giftpocket/internal/config"
)

// RetryPolicy bounds how long a verify call may take. Attempt n (1-based)
// that fails is followed by Delay(n) before attempt n+1.
type RetryPolicy struct {
	MaxAttempts int
	Timeout     time.Duration
	Backoff     []time.Duration
}

func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.config().Delay(attempt)
}

// Budget is the worst-case duration of a verify call under this policy.
func (p RetryPolicy) Budget() time.Duration {
	return p.config().Budget()
}

func (p RetryPolicy) config() config.GatewayConfig {
	return config.GatewayConfig{MaxAttempts: p.MaxAttempts, Timeout: p.Timeout, Backoff: p.Backoff}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

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
