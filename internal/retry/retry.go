// Package retry provides exponential backoff for startup dials to the
// database, the node RPCs and the message broker.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/hotwallet-engine/internal/logging"
)

// Config configures retry behavior.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig retries on a 1s, 2s, 4s, 8s, 16s pattern capped at 60s.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// Func is a function that can be retried.
type Func func(ctx context.Context) error

// WithExponentialBackoff runs fn until it succeeds, the attempts run out or
// ctx is cancelled.
func WithExponentialBackoff(ctx context.Context, config *Config, logger *logging.Logger, name string, fn Func) error {
	log := logger.WithField("operation", name)

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.WithField("attempts", attempt).Info("operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if attempt >= config.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := calculateDelay(config, attempt)
		log.WithFields(map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		}).Warn("operation failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, config.MaxAttempts, lastErr)
}

// calculateDelay computes the backoff delay for a given attempt.
func calculateDelay(config *Config, attempt int) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt-1))
	if delay > float64(config.MaxDelay) {
		return config.MaxDelay
	}
	return time.Duration(delay)
}
