package grid

import (
	"context"
	"time"

	"github.com/jdziat/simple-grid/pkg/fanout"
)

type (
	// Result is one gathered call result.
	Result[T any] = fanout.Result[T]

	// GatherOption configures Gather.
	GatherOption = fanout.Option

	// GatherError reports the failed calls of a gather.
	GatherError = fanout.Error

	// CallFailure is one failed call of a gather.
	CallFailure = fanout.CallFailure
)

// ErrNotCollected marks results abandoned after a fail-fast failure.
var ErrNotCollected = fanout.ErrNotCollected

// Gather waits for calls and decodes each result into T, in call order.
func Gather[T any](ctx context.Context, calls []*Call, opts ...GatherOption) ([]Result[T], error) {
	return fanout.Gather[T](ctx, calls, opts...)
}

// FailFast stops gathering on the first failed call.
func FailFast() GatherOption {
	return fanout.FailFast()
}

// CollectAll waits for every call and returns partial results.
func CollectAll() GatherOption {
	return fanout.CollectAll()
}

// Threshold succeeds if at least pct (0 to 1) of the calls succeed.
func Threshold(pct float64) GatherOption {
	return fanout.Threshold(pct)
}

// GatherTimeout bounds the entire gather.
func GatherTimeout(d time.Duration) GatherOption {
	return fanout.WithTimeout(d)
}

// Values returns the values of the successful calls, in call order.
func Values[T any](results []Result[T]) []T {
	return fanout.Values(results)
}

// Partition splits results into successful values and failed calls.
func Partition[T any](results []Result[T]) ([]T, []CallFailure) {
	return fanout.Partition(results)
}

// AllSucceeded reports whether every call returned a value.
func AllSucceeded[T any](results []Result[T]) bool {
	return fanout.AllSucceeded(results)
}

// SuccessCount returns how many calls returned a value.
func SuccessCount[T any](results []Result[T]) int {
	return fanout.SuccessCount(results)
}
