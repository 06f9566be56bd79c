// Package errhandling provides retry configuration and mechanism for storage transfers.
// This file defines retry configuration parsing, validation, and delay calculation.
package errhandling

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Default retry configuration values
const (
	DefaultMaxAttempts       = 3
	DefaultDelayMs           = 1000
	DefaultBackoffMultiplier = 2.0
	DefaultMaxDelayMs        = 30000
	MaxRetryAttempts         = 10
	MinBackoffMultiplier     = 1.0
)

// RetryConfig holds retry configuration for a unit of work such as a single object transfer.
// The zero value disables retries.
type RetryConfig struct {
	// MaxAttempts is the maximum number of retry attempts (0 = no retry).
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts" json:"maxAttempts"`

	// DelayMs is the initial delay between retries in milliseconds.
	DelayMs int `yaml:"delay_ms" toml:"delay_ms" json:"delayMs"`

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" toml:"backoff_multiplier" json:"backoffMultiplier"`

	// MaxDelayMs is the maximum delay between retries in milliseconds.
	MaxDelayMs int `yaml:"max_delay_ms" toml:"max_delay_ms" json:"maxDelayMs"`
}

// DefaultRetryConfig returns the default retry configuration for callers that opt in.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       DefaultMaxAttempts,
		DelayMs:           DefaultDelayMs,
		BackoffMultiplier: DefaultBackoffMultiplier,
		MaxDelayMs:        DefaultMaxDelayMs,
	}
}

// Enabled reports whether the configuration allows at least one retry.
func (c RetryConfig) Enabled() bool {
	return c.MaxAttempts > 0
}

// Validate validates the retry configuration.
// A disabled configuration is always valid.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 0 {
		return errors.New("maxAttempts must be >= 0")
	}
	if c.MaxAttempts == 0 {
		return nil
	}
	if c.MaxAttempts > MaxRetryAttempts {
		return fmt.Errorf("maxAttempts must be <= %d", MaxRetryAttempts)
	}
	if c.DelayMs < 0 {
		return errors.New("delayMs must be >= 0")
	}
	if c.BackoffMultiplier < MinBackoffMultiplier {
		return fmt.Errorf("backoffMultiplier must be >= %v", MinBackoffMultiplier)
	}
	if c.MaxDelayMs < 0 {
		return errors.New("maxDelayMs must be >= 0")
	}
	return nil
}

// CalculateDelay calculates the retry delay for a given attempt using exponential backoff.
// The formula is: min(delayMs * (backoffMultiplier ^ attempt), maxDelayMs)
func (c RetryConfig) CalculateDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delayMs := float64(c.DelayMs) * math.Pow(c.BackoffMultiplier, float64(attempt))
	if c.MaxDelayMs > 0 && delayMs > float64(c.MaxDelayMs) {
		delayMs = float64(c.MaxDelayMs)
	}

	return time.Duration(delayMs) * time.Millisecond
}

// ShouldRetry determines if a retry should be attempted based on the attempt number and error.
// Returns false if:
//   - Error is nil
//   - MaxAttempts is 0 (retries disabled)
//   - Current attempt >= MaxAttempts
//   - Error is not retryable (authentication, not found, config, ...)
func (c RetryConfig) ShouldRetry(attempt int, err error) bool {
	if err == nil || c.MaxAttempts == 0 {
		return false
	}
	if attempt >= c.MaxAttempts {
		return false
	}
	return IsRetryable(err)
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// configured attempts are exhausted. The last error is returned unchanged.
func Retry(ctx context.Context, c RetryConfig, fn func(attempt int) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}

		err = fn(attempt)
		if !c.ShouldRetry(attempt, err) {
			return err
		}

		timer := time.NewTimer(c.CalculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
