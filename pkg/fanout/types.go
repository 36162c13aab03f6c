package fanout

import (
	"errors"
	"fmt"
)

// Strategy decides when a gather fails.
type Strategy string

const (
	StrategyFailFast   Strategy = "fail_fast"
	StrategyCollectAll Strategy = "collect_all"
	StrategyThreshold  Strategy = "threshold"
)

// ErrNotCollected marks results abandoned after a fail-fast failure.
var ErrNotCollected = errors.New("grid: result not collected")

// Result wraps a call result with its index and potential error.
type Result[T any] struct {
	Index int   // Position in the calls slice
	Value T     // Result if successful
	Err   error // Error if failed
}

// Error contains details about gather failures.
type Error struct {
	TotalCount  int
	FailedCount int
	Strategy    Strategy
	Failures    []CallFailure
}

func (e *Error) Error() string {
	return fmt.Sprintf("gather failed: %d/%d calls failed", e.FailedCount, e.TotalCount)
}

// Unwrap exposes every call error to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// CallFailure contains details about a single failed call.
type CallFailure struct {
	Index int
	Err   error
}
