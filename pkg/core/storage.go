package core

import (
	"context"
	"time"
)

// Starter is the interface for starting workers.
type Starter interface {
	Start(ctx context.Context) error
}

// Storage defines the persistence layer of the queue transport.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Job lifecycle
	Enqueue(ctx context.Context, job *Job) error
	EnqueueBatch(ctx context.Context, jobs []*Job) error
	Dequeue(ctx context.Context, queues []string, workerID string) (*Job, error)
	Complete(ctx context.Context, jobID string, workerID string) error
	Fail(ctx context.Context, jobID string, workerID string, errMsg string, detail []byte, retryAt *time.Time) error

	// Locking
	Heartbeat(ctx context.Context, jobID string, workerID string) error
	ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error)

	// Result storage
	SaveJobResult(ctx context.Context, jobID string, workerID string, result []byte) error

	// Queries
	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetJobsByStatus(ctx context.Context, status JobStatus, limit int) ([]*Job, error)
	GetJobsByBatch(ctx context.Context, batchID string) ([]*Job, error)
}

// CodeStore holds packaged source archives keyed by "tar:{job_id}".
type CodeStore interface {
	// PutIfAbsent stores data under key unless the key exists. It reports
	// whether this call wrote the value. Concurrent identical writers are harmless.
	PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error)

	// Get returns the archive bytes, or ErrArchiveNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
}

// HostLocker provides named mutual exclusion shared by every worker on a host.
type HostLocker interface {
	// Acquire blocks for at most wait. It returns ErrLockTimeout when the
	// lock stays held for the whole wait.
	Acquire(ctx context.Context, scope string, wait time.Duration) (Lease, error)
}

// Lease is a held HostLocker lock.
type Lease interface {
	Release(ctx context.Context) error
}
