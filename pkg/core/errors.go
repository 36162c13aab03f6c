package core

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors
var (
	ErrInvalidJobTypeName = errors.New("grid: invalid job type name (must be alphanumeric, start with letter)")
	ErrJobTypeNameTooLong = errors.New("grid: job type name too long")
	ErrInvalidQueueName   = errors.New("grid: invalid queue name")
	ErrQueueNameTooLong   = errors.New("grid: queue name too long")
	ErrJobArgsTooLarge    = errors.New("grid: job arguments exceed size limit")
	ErrJobNotOwned        = errors.New("grid: job not owned by this worker")
	ErrInvalidJobID       = errors.New("grid: invalid job id")
)

// Execution errors. Components wrap these together with the underlying
// cause, so errors.Is matches both.
var (
	ErrPackaging           = errors.New("grid: packaging failed")
	ErrCodeFetch           = errors.New("grid: code fetch failed")
	ErrPathTraversal       = errors.New("grid: archive member escapes target directory")
	ErrLockTimeout         = errors.New("grid: host lock not acquired in time")
	ErrSubprocessSpawn     = errors.New("grid: executor subprocess failed to start")
	ErrHandshakeTimeout    = errors.New("grid: executor handshake timed out")
	ErrUserFunction        = errors.New("grid: user function failed")
	ErrSerialization       = errors.New("grid: serialization failed")
	ErrExecutorExited      = errors.New("grid: executor exited mid-call")
	ErrFuncNotFound        = errors.New("grid: function not registered")
	ErrArchiveNotFound     = errors.New("grid: archive not found")
	ErrInvalidDescriptor   = errors.New("grid: invalid task descriptor")
	ErrNoExecutorInContext = errors.New("grid: no executor supervisor in context")
)

// PathTraversalError reports the archive member that would have been
// written outside the extraction target.
type PathTraversalError struct {
	Member string
	Target string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("%v: %q resolves outside %s", ErrPathTraversal, e.Member, e.Target)
}

func (e *PathTraversalError) Is(target error) bool {
	return target == ErrPathTraversal
}

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}
