package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-grid/pkg/capture"
	"github.com/jdziat/simple-grid/pkg/core"
	"github.com/jdziat/simple-grid/pkg/queue"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    5 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 5*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
	assert.Equal(t, 0.1, cfg.JitterFraction)
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        60 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}

	assert.Equal(t, 10*time.Millisecond, cfg.backoff(1))
	assert.Equal(t, 20*time.Millisecond, cfg.backoff(2))
	assert.Equal(t, 40*time.Millisecond, cfg.backoff(3))
	assert.Equal(t, 60*time.Millisecond, cfg.backoff(4))
	assert.Equal(t, 60*time.Millisecond, cfg.backoff(10))
}

func TestRetryConfig_BackoffJitterStaysInRange(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}

	for i := 0; i < 50; i++ {
		d := cfg.backoff(1)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestRetryWithBackoff_TransientFetchRecovers(t *testing.T) {
	var attempts int

	err := retryWithBackoff(context.Background(), fastRetry(5), func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("%w: tar:abc: connection reset", core.ErrCodeFetch)
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_ExhaustsAttempts(t *testing.T) {
	var attempts int

	err := retryWithBackoff(context.Background(), fastRetry(3), func() error {
		attempts++
		return core.ErrLockTimeout
	})

	assert.ErrorIs(t, err, core.ErrLockTimeout)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_StopsOnPermanentError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"job not owned", core.ErrJobNotOwned},
		{"context canceled", context.Canceled},
		{"no retry", core.NoRetry(errors.New("bad row"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int
			err := retryWithBackoff(context.Background(), fastRetry(5), func() error {
				attempts++
				return tt.err
			})
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 1, attempts)
		})
	}
}

func TestRetryWithBackoff_RespectsContextCancellation(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:       10,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	}
	ctx, cancel := context.WithCancel(context.Background())
	var attempts atomic.Int32

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := retryWithBackoff(ctx, cfg, func() error {
		attempts.Add(1)
		return errors.New("database is locked")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"database error", errors.New("database is locked"), true},
		{"code fetch", fmt.Errorf("%w: tar:abc: %w", core.ErrCodeFetch, errors.New("i/o timeout")), true},
		{"lock timeout", core.ErrLockTimeout, true},
		{"executor exited", core.ErrExecutorExited, true},
		{"handshake timeout", core.ErrHandshakeTimeout, true},
		{"path traversal", &core.PathTraversalError{Member: "../x", Target: "/cache"}, false},
		{"serialization", fmt.Errorf("%w: argument 0", core.ErrSerialization), false},
		{"func not found", core.ErrFuncNotFound, false},
		{"invalid descriptor", core.ErrInvalidDescriptor, false},
		{"job not owned", core.ErrJobNotOwned, false},
		{"no retry", core.NoRetry(errors.New("x")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryableError(tt.err))
		})
	}
}

func TestIsPermanentError_ReraisedSentinel(t *testing.T) {
	err := capture.Reraise(&capture.CapturedError{
		Kind:    capture.KindFuncNotFound,
		Message: "grid: function not registered",
	})

	assert.True(t, IsPermanentError(err))
	assert.False(t, IsRetryableError(err))
}

func TestWithStorageRetry_Option(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    10,
		InitialBackoff: 200 * time.Millisecond,
	}

	workerCfg := WorkerConfig{}
	WithStorageRetry(cfg).ApplyWorker(&workerCfg)

	require.NotNil(t, workerCfg.StorageRetry)
	assert.Equal(t, 10, workerCfg.StorageRetry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, workerCfg.StorageRetry.InitialBackoff)
}

func TestWithDequeueRetry_Option(t *testing.T) {
	workerCfg := WorkerConfig{}
	WithDequeueRetry(RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second}).ApplyWorker(&workerCfg)

	require.NotNil(t, workerCfg.DequeueRetry)
	assert.Equal(t, 3, workerCfg.DequeueRetry.MaxAttempts)
	assert.Equal(t, time.Second, workerCfg.DequeueRetry.InitialBackoff)
}

func TestWithRetryAttempts_Option(t *testing.T) {
	workerCfg := WorkerConfig{}
	WithRetryAttempts(7).ApplyWorker(&workerCfg)

	require.NotNil(t, workerCfg.StorageRetry)
	assert.Equal(t, 7, workerCfg.StorageRetry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, workerCfg.StorageRetry.InitialBackoff)
}

func TestDisableRetry_Option(t *testing.T) {
	workerCfg := WorkerConfig{}
	DisableRetry().ApplyWorker(&workerCfg)

	require.NotNil(t, workerCfg.StorageRetry)
	require.NotNil(t, workerCfg.DequeueRetry)
	assert.Equal(t, 1, workerCfg.StorageRetry.MaxAttempts)
	assert.Equal(t, 1, workerCfg.DequeueRetry.MaxAttempts)
}

func TestNewWorker_DefaultRetryConfigs(t *testing.T) {
	w := NewWorker(newTestQueue(t))
	cfg := w.Config()

	require.NotNil(t, cfg.StorageRetry)
	require.NotNil(t, cfg.DequeueRetry)
	assert.Equal(t, 5, cfg.StorageRetry.MaxAttempts)
	assert.Equal(t, 3, cfg.DequeueRetry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.DequeueRetry.InitialBackoff)
}

func TestWorker_PathTraversalIsNotRetried(t *testing.T) {
	q := newTestQueue(t)
	q.Register("extract", func(ctx context.Context, _ int) error {
		return &core.PathTraversalError{Member: "x/l/evil.txt", Target: "/cache/staging"}
	})

	id, err := q.Enqueue(context.Background(), "extract", 1, queue.Retries(3))
	require.NoError(t, err)

	startWorker(t, testWorker(q, t.TempDir()))

	job := waitForStatus(t, q, id, core.StatusFailed)
	assert.Equal(t, 1, job.Attempt)
	assert.Contains(t, job.LastError, "x/l/evil.txt")
}

func TestWorker_LockTimeoutIsRetried(t *testing.T) {
	q := newTestQueue(t)
	var calls atomic.Int32
	q.Register("materialize", func(ctx context.Context, n int) (int, error) {
		if calls.Add(1) == 1 {
			return 0, fmt.Errorf("%w: host-a", core.ErrLockTimeout)
		}
		return n, nil
	})

	id, err := q.Enqueue(context.Background(), "materialize", 4, queue.Retries(2))
	require.NoError(t, err)

	startWorker(t, testWorker(q, t.TempDir()))

	job := waitForStatus(t, q, id, core.StatusCompleted)
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, int32(2), calls.Load())
}
