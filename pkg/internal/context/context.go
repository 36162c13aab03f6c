// Package context provides context helpers for the grid packages.
package context

import (
	"context"

	"github.com/jdziat/simple-grid/pkg/core"
	"github.com/jdziat/simple-grid/pkg/executor"
)

// JobContextKey is the key for storing job context in context.Context.
type JobContextKey struct{}

// JobContext holds the current job and the slot resources it runs with.
type JobContext struct {
	Job      *core.Job
	Storage  core.Storage
	WorkerID string
	// HostID names the machine for code cache locking.
	HostID string
	// Supervisor is the executor supervisor of the slot. Never shared
	// between slots.
	Supervisor *executor.Supervisor
}

// GetJobContext retrieves the job context from a context.Context.
func GetJobContext(ctx context.Context) *JobContext {
	if jc, ok := ctx.Value(JobContextKey{}).(*JobContext); ok {
		return jc
	}
	return nil
}

// WithJobContext adds job context to a context.Context.
func WithJobContext(ctx context.Context, jc *JobContext) context.Context {
	return context.WithValue(ctx, JobContextKey{}, jc)
}

// SupervisorFrom returns the slot supervisor and host of ctx.
func SupervisorFrom(ctx context.Context) (*executor.Supervisor, string, error) {
	jc := GetJobContext(ctx)
	if jc == nil || jc.Supervisor == nil {
		return nil, "", core.ErrNoExecutorInContext
	}
	return jc.Supervisor, jc.HostID, nil
}
