package core

import "time"

// Event is the interface for all queue and executor events.
type Event interface {
	eventMarker()
}

// JobStarted is emitted when a job starts processing.
type JobStarted struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobStarted) eventMarker() {}

// JobCompleted is emitted when a job completes successfully.
type JobCompleted struct {
	Job       *Job
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobCompleted) eventMarker() {}

// JobFailed is emitted when a job fails permanently.
type JobFailed struct {
	Job       *Job
	Error     error
	Timestamp time.Time
}

func (*JobFailed) eventMarker() {}

// JobRetrying is emitted when a job is retried.
type JobRetrying struct {
	Job       *Job
	Attempt   int
	Error     error
	NextRunAt time.Time
	Timestamp time.Time
}

func (*JobRetrying) eventMarker() {}

// CodeMaterialized is emitted when a code directory is ready on this host.
// Fetched is false when the directory already existed.
type CodeMaterialized struct {
	JobID     string
	Path      string
	Fetched   bool
	Timestamp time.Time
}

func (*CodeMaterialized) eventMarker() {}

// ExecutorSpawned is emitted when a supervisor starts a new executor process.
type ExecutorSpawned struct {
	JobID     string
	PID       int
	Timestamp time.Time
}

func (*ExecutorSpawned) eventMarker() {}

// ExecutorTerminated is emitted when a supervisor kills or loses its executor.
type ExecutorTerminated struct {
	JobID     string
	PID       int
	Reason    string
	Timestamp time.Time
}

func (*ExecutorTerminated) eventMarker() {}
