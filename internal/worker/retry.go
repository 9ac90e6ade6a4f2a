package worker

import (
	"time"

	"probooking/internal/config"
)

// RetryPolicy is the backoff applied to failed notification deliveries.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

func retryPolicyFromConfig(cfg config.NotificationConfig) RetryPolicy {
	p := RetryPolicy{
		MaxRetries:    cfg.MaxRetries,
		InitialDelay:  cfg.InitialDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 5
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Minute
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 2
	}
	return p
}

// Exhausted reports whether a task that just failed its attempt-th delivery is out of retries.
func (r RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= r.MaxRetries
}

// NextDelay is the wait before delivery attempt+1. The delay grows by
// BackoffFactor per attempt and never exceeds MaxDelay.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := r.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	factor := r.BackoffFactor
	if factor < 1 {
		factor = 2
	}

	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * factor)
		if r.MaxDelay > 0 && delay >= r.MaxDelay {
			return r.MaxDelay
		}
	}
	if r.MaxDelay > 0 && delay > r.MaxDelay {
		return r.MaxDelay
	}
	return delay
}
