package core

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// DefaultTimeoutSeconds bounds every blocking step of a call when the
// descriptor does not set its own timeout.
const DefaultTimeoutSeconds = 60

// FunctionRef names the user function a batch runs.
//
// A nil Inline resolves the function by (Module, Symbol) in the registry of
// the executor binary. A non-nil Inline is the by-value form: the captured
// state is serialized with the reference and bound as the leading arguments.
type FunctionRef struct {
	Module string            `json:"module"`
	Symbol string            `json:"symbol"`
	Inline []json.RawMessage `json:"inline,omitempty"`
}

// IsInline reports whether the reference carries captured state.
func (r FunctionRef) IsInline() bool {
	return r.Inline != nil
}

func (r FunctionRef) String() string {
	return r.Module + "." + r.Symbol
}

// TaskDescriptor is built once per batch and shared by every call in it.
// It is passed by value and never modified after it is handed to the queue.
type TaskDescriptor struct {
	JobID          string            `json:"job_id"`
	SearchPaths    []string          `json:"search_paths,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
	Function       FunctionRef       `json:"function"`
	ExtraPackages  []string          `json:"extra_packages,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	BaseDir        string            `json:"base_dir,omitempty"`
}

// Timeout returns the descriptor timeout, falling back to the default.
func (d TaskDescriptor) Timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Validate checks the fields a worker relies on.
func (d TaskDescriptor) Validate() error {
	if d.JobID == "" {
		return fmt.Errorf("%w: missing job id", ErrInvalidDescriptor)
	}
	if d.Function.Module == "" || d.Function.Symbol == "" {
		return fmt.Errorf("%w: missing function reference", ErrInvalidDescriptor)
	}
	if d.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidDescriptor)
	}
	return nil
}

// ExecutorSettings projects the part of the descriptor the executor process
// consumes. The worker handles the job id, packages and timeout itself.
func (d TaskDescriptor) ExecutorSettings() ExecutorSettings {
	return ExecutorSettings{
		SearchPaths: slices.Clone(d.SearchPaths),
		Environment: maps.Clone(d.Environment),
		Function:    d.Function,
		BaseDir:     d.BaseDir,
	}
}

// ExecutorSettings is the settings envelope read once by an executor at startup.
type ExecutorSettings struct {
	SearchPaths []string          `json:"search_paths,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Function    FunctionRef       `json:"function"`
	BaseDir     string            `json:"base_dir,omitempty"`
}

// CallRequest is the queue payload for a single call of a batch.
type CallRequest struct {
	Descriptor TaskDescriptor             `json:"descriptor"`
	Args       []json.RawMessage          `json:"args,omitempty"`
	Kwargs     map[string]json.RawMessage `json:"kwargs,omitempty"`
}
