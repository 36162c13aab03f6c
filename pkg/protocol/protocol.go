// Package protocol implements the handshake between a supervisor and its
// executor process.
//
// The executor writes frames on its standard output and the supervisor
// writes frames on the executor's standard input. A frame is a single line
// starting with Marker followed by a JSON object. Lines without the marker
// are program output and are passed to a sink instead of being interpreted.
//
// A call runs as:
//
//	executor   -> READY
//	supervisor -> DISPATCH {call, result, error}
//	executor   -> DONE {status}
//
// Payloads travel in envelope files named by DISPATCH. DONE names which
// envelope was written, so a missing file is never mistaken for a result.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/jdziat/simple-grid/pkg/core"
)

// Marker prefixes every frame line.
const Marker = "\x1egrid "

// FrameType names a frame.
type FrameType string

const (
	Ready    FrameType = "READY"
	Dispatch FrameType = "DISPATCH"
	Done     FrameType = "DONE"
)

// Status is the outcome carried by a DONE frame.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Frame is one protocol message.
type Frame struct {
	Type   FrameType `json:"type"`
	Call   string    `json:"call,omitempty"`
	Result string    `json:"result,omitempty"`
	Error  string    `json:"error,omitempty"`
	Status Status    `json:"status,omitempty"`
}

// DispatchFrame builds a DISPATCH frame for paths.
func DispatchFrame(p Paths) Frame {
	return Frame{Type: Dispatch, Call: p.Call, Result: p.Result, Error: p.Error}
}

// Paths returns the envelope paths of a DISPATCH frame.
func (f Frame) Paths() Paths {
	return Paths{Call: f.Call, Result: f.Result, Error: f.Error}
}

func (f Frame) validate() error {
	switch f.Type {
	case Ready:
	case Dispatch:
		if f.Call == "" || f.Result == "" || f.Error == "" {
			return fmt.Errorf("dispatch frame needs three paths")
		}
	case Done:
		if f.Status != StatusOK && f.Status != StatusError {
			return fmt.Errorf("done frame has status %q", f.Status)
		}
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}

// Writer sends frames. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Send writes f as one line.
func (w *Writer) Send(f Frame) error {
	if err := f.validate(); err != nil {
		return fmt.Errorf("%w: %w", core.ErrSerialization, err)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("%w: frame: %w", core.ErrSerialization, err)
	}
	line := make([]byte, 0, len(Marker)+len(data)+1)
	line = append(line, Marker...)
	line = append(line, data...)
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(line)
	return err
}

// Reader reads frames and hands other lines to a sink.
type Reader struct {
	sc   *bufio.Scanner
	sink func(line string)
}

// NewReader returns a Reader on r. sink receives program output lines and
// may be nil.
func NewReader(r io.Reader, sink func(line string)) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	if sink == nil {
		sink = func(string) {}
	}
	return &Reader{sc: sc, sink: sink}
}

// Next returns the next frame. It returns io.EOF when the stream ends.
func (r *Reader) Next() (Frame, error) {
	for r.sc.Scan() {
		line := r.sc.Bytes()
		i := bytes.Index(line, []byte(Marker))
		if i < 0 {
			r.sink(string(line))
			continue
		}
		if i > 0 {
			// Output without a trailing newline ran into the frame.
			r.sink(string(line[:i]))
		}
		var f Frame
		if err := json.Unmarshal(line[i+len(Marker):], &f); err != nil {
			return Frame{}, fmt.Errorf("%w: frame: %w", core.ErrSerialization, err)
		}
		if err := f.validate(); err != nil {
			return Frame{}, fmt.Errorf("%w: %w", core.ErrSerialization, err)
		}
		return f, nil
	}
	if err := r.sc.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}
