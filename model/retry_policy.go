package model

import (
	"fmt"
	"math"
	"time"
)

const (
	DEFAULT_MAX_ATTEMPTS  = 5
	DEFAULT_BASE_DELAY_MS = 1000
	DEFAULT_MULTIPLIER    = 2.0
	DEFAULT_MAX_DELAY_MS  = 30000
)

// RetryPolicy describes bounded exponential backoff without jitter. It is
// shared by action execution and entity propagation.
type RetryPolicy struct {
	MaxAttempts int     `json:"maxAttempts"`
	BaseDelayMs int     `json:"baseDelayMs"`
	Multiplier  float64 `json:"multiplier"`
	MaxDelayMs  int     `json:"maxDelayMs"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DEFAULT_MAX_ATTEMPTS,
		BaseDelayMs: DEFAULT_BASE_DELAY_MS,
		Multiplier:  DEFAULT_MULTIPLIER,
		MaxDelayMs:  DEFAULT_MAX_DELAY_MS,
	}
}

// WithDefaults fills every zero field from DefaultRetryPolicy.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelayMs <= 0 {
		p.BaseDelayMs = def.BaseDelayMs
	}
	if p.Multiplier <= 0 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelayMs <= 0 {
		p.MaxDelayMs = def.MaxDelayMs
	}
	if p.MaxDelayMs < p.BaseDelayMs {
		p.MaxDelayMs = p.BaseDelayMs
	}
	return p
}

func (p RetryPolicy) BaseDelay() time.Duration {
	return time.Duration(p.BaseDelayMs) * time.Millisecond
}

func (p RetryPolicy) MaxDelay() time.Duration {
	return time.Duration(p.MaxDelayMs) * time.Millisecond
}

// Delay returns the wait after the given number of failed attempts:
// base * multiplier^(failed-1), capped at the ceiling.
func (p RetryPolicy) Delay(failed int) time.Duration {
	if failed < 1 {
		return 0
	}
	d := float64(p.BaseDelay()) * math.Pow(p.Multiplier, float64(failed-1))
	if d > float64(p.MaxDelay()) {
		return p.MaxDelay()
	}
	return time.Duration(d)
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("maxAttempts can not be negative")
	}
	if p.BaseDelayMs < 0 || p.MaxDelayMs < 0 {
		return fmt.Errorf("retry delays can not be negative")
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("multiplier should be at least 1")
	}
	return nil
}
