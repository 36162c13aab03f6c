// Package worker provides the Worker type for job processing.
//
// This package includes:
//   - Worker: Processes jobs from the queue, one executor supervisor per slot
//   - WorkerOption: Configuration options for workers
//   - Concurrency and queue configuration
//   - Janitor for orphaned envelope files and stale job locks
//
// Most users should import the root package github.com/jdziat/simple-grid
// which provides access to worker configuration through queue.NewWorker().
package worker
