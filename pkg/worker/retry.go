package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jdziat/simple-grid/pkg/core"
)

// RetryConfig controls how storage operations are retried.
type RetryConfig struct {
	// MaxAttempts includes the first attempt. Default: 5
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt. Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts. Default: 5s
	MaxBackoff time.Duration

	// BackoffMultiplier grows the wait after each attempt. Default: 2.0
	BackoffMultiplier float64

	// JitterFraction randomizes each wait by up to this fraction. Default: 0.1
	JitterFraction float64
}

// DefaultRetryConfig returns the storage retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// defaultDequeueRetry backs off longer so an outage is not hammered by
// every slot.
func defaultDequeueRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}
}

// backoff returns the wait before attempt+1, with jitter applied.
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < attempt && d < c.MaxBackoff; i++ {
		d = time.Duration(float64(d) * c.BackoffMultiplier)
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	jittered := d + time.Duration(float64(d)*c.JitterFraction*(rand.Float64()*2-1))
	if jittered < 0 {
		return d
	}
	return jittered
}

// retryWithBackoff runs operation until it succeeds, fails permanently or
// runs out of attempts. It returns the last error.
func retryWithBackoff(ctx context.Context, config RetryConfig, operation func() error) error {
	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if !IsRetryableError(lastErr) || attempt >= config.MaxAttempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(config.backoff(attempt)):
		}
	}
	return lastErr
}

// permanentErrors never succeed on another attempt: the archive, the
// arguments or the descriptor are wrong, or the job belongs to someone else.
var permanentErrors = []error{
	core.ErrPathTraversal,
	core.ErrSerialization,
	core.ErrFuncNotFound,
	core.ErrInvalidDescriptor,
	core.ErrInvalidJobID,
	core.ErrJobNotOwned,
}

// IsPermanentError reports whether err is a grid failure that retrying
// cannot fix.
func IsPermanentError(err error) bool {
	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) {
		return true
	}
	for _, target := range permanentErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryableError reports whether err is worth another attempt. Code
// fetch and host lock timeouts count as transient storage trouble, as do
// executor crashes and plain database errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !IsPermanentError(err)
}
