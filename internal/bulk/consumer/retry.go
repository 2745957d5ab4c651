package consumer

import (
	"context"
	"time"

	"github.com/opsdesk/opsdesk-backend/pkg/config"
)

// backoffPolicy is the in-process redelivery schedule for retryable chunk
// failures. Intervals grow by the multiplier up to the cap; the attempt
// count bounds total deliveries, not just retries.
type backoffPolicy struct {
	maxAttempts int
	initial     time.Duration
	multiplier  float64
	max         time.Duration
}

func newBackoffPolicy(cfg config.BulkConfig) backoffPolicy {
	policy := backoffPolicy{
		maxAttempts: cfg.MaxAttempts,
		initial:     cfg.InitialInterval(),
		multiplier:  cfg.Multiplier,
		max:         cfg.MaxInterval(),
	}
	if policy.maxAttempts <= 0 {
		policy.maxAttempts = 1
	}
	if policy.initial <= 0 {
		policy.initial = time.Second
	}
	if policy.multiplier < 1 {
		policy.multiplier = 1
	}
	if policy.max < policy.initial {
		policy.max = policy.initial
	}
	return policy
}

func (b backoffPolicy) next(current time.Duration) time.Duration {
	grown := time.Duration(float64(current) * b.multiplier)
	if grown > b.max {
		return b.max
	}
	return grown
}

// sleepContext waits out the interval unless the context ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
