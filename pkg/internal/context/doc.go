// Package context provides internal context helpers for job execution.
//
// This package is internal and should not be imported directly.
// It carries the job being processed, the worker and host identity, and the
// executor supervisor owned by the worker slot running the handler.
package context
