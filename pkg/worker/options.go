// Package worker provides the Worker job processor for the grid packages.
package worker

import (
	"log/slog"
	"time"

	"github.com/jdziat/simple-grid/pkg/executor"
	"github.com/jdziat/simple-grid/pkg/schedule"
	"github.com/jdziat/simple-grid/pkg/security"
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Queues       map[string]int // queue name -> concurrency
	PollInterval time.Duration
	WorkerID     string
	HostID       string

	// Executor configures the supervisor created for every slot.
	Executor executor.Config

	// Janitor runs on JanitorSchedule when set. It removes envelope files
	// older than JanitorMaxAge and releases job locks stale for StaleLockAge.
	JanitorSchedule schedule.Schedule
	JanitorMaxAge   time.Duration
	StaleLockAge    time.Duration

	HeartbeatInterval time.Duration
	StorageRetry      *RetryConfig
	DequeueRetry      *RetryConfig
	Logger            *slog.Logger
}

// Concurrency sets the concurrency for a queue.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		clamped := security.ClampConcurrency(n)
		for k := range c.Queues {
			c.Queues[k] = clamped
		}
	})
}

// WorkerQueue adds a queue to process with optional concurrency.
func WorkerQueue(name string, opts ...WorkerOption) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if c.Queues == nil {
			c.Queues = make(map[string]int)
		}
		c.Queues[name] = 10 // default concurrency
		for _, opt := range opts {
			opt.ApplyWorker(c)
		}
	})
}

// WithWorkerID sets the id used to lock dequeued jobs.
func WithWorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.WorkerID = id
	})
}

// WithHostID sets the host identity used for code cache locking.
func WithHostID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.HostID = id
	})
}

// WithExecutor sets the executor configuration of every slot.
func WithExecutor(cfg executor.Config) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Executor = cfg
	})
}

// WithJanitor enables the envelope janitor.
func WithJanitor(s schedule.Schedule, maxAge time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.JanitorSchedule = s
		c.JanitorMaxAge = maxAge
	})
}

// WithStaleLockAge makes the janitor release job locks whose last
// heartbeat is older than d.
func WithStaleLockAge(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StaleLockAge = d
	})
}

// WithStorageRetry sets the retry policy for result, completion, failure
// and heartbeat writes.
func WithStorageRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = &cfg
	})
}

// WithDequeueRetry sets the retry policy for dequeue.
func WithDequeueRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.DequeueRetry = &cfg
	})
}

// WithRetryAttempts keeps the default storage backoff with n attempts.
func WithRetryAttempts(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		cfg := DefaultRetryConfig()
		cfg.MaxAttempts = n
		c.StorageRetry = &cfg
	})
}

// DisableRetry makes every storage operation a single attempt.
func DisableRetry() WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		once := RetryConfig{MaxAttempts: 1}
		c.StorageRetry = &once
		dequeue := once
		c.DequeueRetry = &dequeue
	})
}

// WithPollInterval sets how often the worker polls for jobs.
func WithPollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.PollInterval = d
	})
}

// WithLogger sets the worker logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}
