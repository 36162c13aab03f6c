// Package queue provides the Queue type for job orchestration.
//
// This package includes:
//   - Queue: registers handlers and enqueues jobs, singly or as a batch
//   - Option: Configuration options for job enqueueing
//   - Hook registration for job lifecycle events
//   - Event subscription for monitoring
//
// Most users should import the root package github.com/jdziat/simple-grid
// which re-exports Queue and all option functions.
package queue
