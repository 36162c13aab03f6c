package capture

import (
	"runtime"
)

type withStack struct {
	err error
	pcs []uintptr
}

// WithStack records the caller's stack on err. Capture prefers these frames
// over the frames at the point of capture. The kind and message of err are
// unchanged.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2, pcs)
	return &withStack{err: err, pcs: pcs[:n]}
}

func (w *withStack) Error() string { return w.err.Error() }

func (w *withStack) Unwrap() error { return w.err }

func (w *withStack) StackTrace() []uintptr { return w.pcs }

// Kind reports the kind of the wrapped error.
func (w *withStack) Kind() string { return KindOf(w.err) }
