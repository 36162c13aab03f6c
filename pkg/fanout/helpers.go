package fanout

import "errors"

// Values returns the values of the successful calls, in call order.
func Values[T any](results []Result[T]) []T {
	values := make([]T, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			values = append(values, r.Value)
		}
	}
	return values
}

// Failures returns the calls that ran and failed. Calls abandoned after a
// fail-fast failure are left out.
func Failures[T any](results []Result[T]) []CallFailure {
	var failures []CallFailure
	for _, r := range results {
		if r.Err != nil && !errors.Is(r.Err, ErrNotCollected) {
			failures = append(failures, CallFailure{Index: r.Index, Err: r.Err})
		}
	}
	return failures
}

// Partition splits results into the successful values and the failed calls.
func Partition[T any](results []Result[T]) ([]T, []CallFailure) {
	return Values(results), Failures(results)
}

// AllSucceeded reports whether every call returned a value.
func AllSucceeded[T any](results []Result[T]) bool {
	return SuccessCount(results) == len(results)
}

// SuccessCount returns how many calls returned a value.
func SuccessCount[T any](results []Result[T]) int {
	n := 0
	for _, r := range results {
		if r.Err == nil {
			n++
		}
	}
	return n
}
