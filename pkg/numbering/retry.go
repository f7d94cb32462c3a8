package numbering

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures contention retries
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
	}
}

// RetryPolicy implements jittered exponential backoff
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy fills zero values with defaults
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	def := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	return &RetryPolicy{config: config}
}

// MaxAttempts returns the total number of attempts allowed
func (p *RetryPolicy) MaxAttempts() int {
	return p.config.MaxAttempts
}

// NextRetryDelay returns the wait before retry number attempt (1-based).
// The delay is drawn from [d/2, d] where d doubles per attempt up to MaxDelay.
func (p *RetryPolicy) NextRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.config.InitialDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(p.config.MaxDelay) {
		d = float64(p.config.MaxDelay)
	}
	half := d / 2
	return time.Duration(half + rand.Float64()*half)
}

// sleep waits for d or until ctx ends
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
