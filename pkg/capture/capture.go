// Package capture carries user function errors across process boundaries.
//
// An executor captures a failed call as a CapturedError: the error kind, its
// message and the stack frames at the point of capture. The worker and the
// submitter turn it back into an error with Reraise. Reraised errors keep the
// original message and, when the kind is registered, unwrap to a fresh value
// of the original type, so errors.As behaves as if the user function had
// failed locally.
//
// Frames from another process are diagnostic data only. They cannot be
// resumed or symbolized in the receiving process.
package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"runtime"
	"strings"
	"sync"

	"github.com/jdziat/simple-grid/pkg/core"
)

// Frame is one captured stack frame.
type Frame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

func (f Frame) String() string {
	return fmt.Sprintf("%s\n\t%s:%d", f.Function, f.File, f.Line)
}

// CapturedError is the serializable form of a user function failure.
type CapturedError struct {
	Kind     string  `json:"kind"`
	Message  string  `json:"message"`
	Frames   []Frame `json:"frames,omitempty"`
	Panicked bool    `json:"panicked,omitempty"`
}

// Kinder is implemented by errors that name their own kind.
type Kinder interface {
	Kind() string
}

// StackTracer is implemented by errors that recorded frames when created.
type StackTracer interface {
	StackTrace() []uintptr
}

// Capture records err together with its frames. The frames come from the
// error itself when it implements StackTracer, else from the caller of Capture.
func Capture(err error) *CapturedError {
	if err == nil {
		return nil
	}
	switch e := err.(type) {
	case *RemoteError:
		return e.Captured()
	case *recoveredError:
		return e.c
	case *caughtError:
		return e.c
	}
	return newCaptured(err, 3)
}

func newCaptured(err error, skip int) *CapturedError {
	c := &CapturedError{Kind: KindOf(err), Message: err.Error()}
	var st StackTracer
	if errors.As(err, &st) {
		c.Frames = framesFromPCs(st.StackTrace())
	} else {
		c.Frames = callers(skip)
	}
	return c
}

// Caught records err where the caller received it from user code. The
// result unwraps to err, and Capture returns the recorded form unchanged.
func Caught(err error) error {
	switch err.(type) {
	case nil, *RemoteError, *recoveredError, *caughtError:
		return err
	}
	return &caughtError{err: err, c: newCaptured(err, 3)}
}

type caughtError struct {
	err error
	c   *CapturedError
}

func (e *caughtError) Error() string { return e.err.Error() }

func (e *caughtError) Unwrap() error { return e.err }

func (e *caughtError) Kind() string { return e.c.Kind }

// CapturePanic records a recovered panic value. It must be called from the
// deferred function that recovered, so the panicking frames are still on the stack.
func CapturePanic(v any) *CapturedError {
	return capturePanic(v, 3)
}

// Recovered is CapturePanic wrapped as an error, for code that recovers on
// behalf of its caller. Capture returns the recorded form unchanged.
func Recovered(v any) error {
	return &recoveredError{c: capturePanic(v, 3)}
}

type recoveredError struct {
	c *CapturedError
}

func (e *recoveredError) Error() string { return e.c.Message }

func capturePanic(v any, skip int) *CapturedError {
	c := &CapturedError{Panicked: true, Frames: callers(skip)}
	if err, ok := v.(error); ok {
		c.Kind = KindOf(err)
		c.Message = err.Error()
	} else {
		c.Kind = "panic"
		c.Message = fmt.Sprint(v)
	}
	return c
}

// Kinds of framework failures raised inside an executor. They are
// registered so the reraised error still matches the core sentinel.
const (
	KindSerialization = "grid.Serialization"
	KindFuncNotFound  = "grid.FuncNotFound"
)

func init() {
	RegisterKind(KindSerialization, func(string) error { return core.ErrSerialization })
	RegisterKind(KindFuncNotFound, func(string) error { return core.ErrFuncNotFound })
}

// KindOf names the kind of err.
func KindOf(err error) string {
	if k, ok := err.(Kinder); ok {
		return k.Kind()
	}
	switch {
	case errors.Is(err, core.ErrFuncNotFound):
		return KindFuncNotFound
	case errors.Is(err, core.ErrSerialization):
		return KindSerialization
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

func callers(skip int) []Frame {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+1, pcs)
	return framesFromPCs(pcs[:n])
}

func framesFromPCs(pcs []uintptr) []Frame {
	if len(pcs) == 0 {
		return nil
	}
	var out []Frame
	frames := runtime.CallersFrames(pcs)
	for {
		f, more := frames.Next()
		if f.Function != "" && !strings.HasPrefix(f.Function, "runtime.") {
			out = append(out, Frame{Function: f.Function, File: f.File, Line: f.Line})
		}
		if !more {
			break
		}
	}
	return out
}

// Marshal encodes c for an error envelope or the queue.
func Marshal(c *CapturedError) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("%w: captured error: %w", core.ErrSerialization, err)
	}
	return data, nil
}

// Unmarshal decodes a CapturedError.
func Unmarshal(data []byte) (*CapturedError, error) {
	var c CapturedError
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: captured error: %w", core.ErrSerialization, err)
	}
	return &c, nil
}

var (
	kindsMu sync.RWMutex
	kinds   = map[string]func(msg string) error{}
)

// RegisterKind registers a constructor used by Reraise to rebuild errors of
// the given kind. The kind must match what KindOf reports for the original.
func RegisterKind(kind string, ctor func(msg string) error) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[kind] = ctor
}

// Register registers the kind of the example error value with ctor.
func Register(example error, ctor func(msg string) error) {
	RegisterKind(KindOf(example), ctor)
}

func constructor(kind string) (func(string) error, bool) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	ctor, ok := kinds[kind]
	return ctor, ok
}

// Reraise turns a captured error back into an error value.
func Reraise(c *CapturedError) error {
	if c == nil {
		return nil
	}
	re := &RemoteError{Kind: c.Kind, Message: c.Message, Panicked: c.Panicked}
	re.Frames = append(re.Frames, c.Frames...)
	re.Frames = append(re.Frames, hopFrame())
	if ctor, ok := constructor(c.Kind); ok {
		re.err = ctor(c.Message)
	}
	return re
}

func hopFrame() Frame {
	fs := callers(3)
	if len(fs) == 0 {
		return Frame{Function: "--- remote hop ---"}
	}
	f := fs[0]
	f.Function = "--- remote hop --- " + f.Function
	return f
}

// RemoteError is a user error re-raised after crossing a process boundary.
type RemoteError struct {
	Kind     string
	Message  string
	Frames   []Frame
	Panicked bool
	err      error
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Unwrap returns the rebuilt error of the original kind, if registered.
func (e *RemoteError) Unwrap() error {
	return e.err
}

func (e *RemoteError) Is(target error) bool {
	return target == core.ErrUserFunction
}

// Captured converts e back to its serializable form, keeping hop frames.
func (e *RemoteError) Captured() *CapturedError {
	return &CapturedError{
		Kind:     e.Kind,
		Message:  e.Message,
		Frames:   append([]Frame(nil), e.Frames...),
		Panicked: e.Panicked,
	}
}

// Format prints the message; %+v adds the kind and every captured frame.
func (e *RemoteError) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "%s: %s", e.Kind, e.Message)
			for _, f := range e.Frames {
				fmt.Fprintf(s, "\n%s", f)
			}
			return
		}
		fallthrough
	case 's':
		io.WriteString(s, e.Message)
	case 'q':
		fmt.Fprintf(s, "%q", e.Message)
	}
}
