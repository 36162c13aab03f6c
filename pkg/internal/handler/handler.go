// Package handler provides reflection-based handler execution for the queue.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

var rawMessageType = reflect.TypeOf(json.RawMessage(nil))

// Handler holds metadata about a registered job handler.
type Handler struct {
	Fn         reflect.Value
	ArgsType   reflect.Type
	HasContext bool
	// Timeout bounds one execution when positive.
	Timeout time.Duration
}

// NewHandler creates a Handler from a function.
// The function must have signature: func(ctx context.Context, args T) error
// or func(ctx context.Context, args T) (R, error)
func NewHandler(fn any) (*Handler, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	fnVal := reflect.ValueOf(fn)

	// Check for typed nil (e.g., var fn func() = nil)
	if !fnVal.IsValid() || (fnVal.Kind() == reflect.Func && fnVal.IsNil()) {
		return nil, fmt.Errorf("handler function cannot be nil")
	}

	fnType := fnVal.Type()

	if fnType.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a function")
	}

	handler := &Handler{Fn: fnVal}

	numIn := fnType.NumIn()
	if numIn < 1 || numIn > 2 {
		return nil, fmt.Errorf("handler must have 1-2 arguments")
	}

	argIdx := 0
	if fnType.In(0).Implements(reflect.TypeOf((*context.Context)(nil)).Elem()) {
		handler.HasContext = true
		argIdx = 1
	}

	if argIdx < numIn {
		handler.ArgsType = fnType.In(argIdx)
	}

	// Allow error or (R, error)
	switch fnType.NumOut() {
	case 1:
		if !fnType.Out(0).Implements(reflect.TypeOf((*error)(nil)).Elem()) {
			return nil, fmt.Errorf("handler must return error")
		}
	case 2:
		if !fnType.Out(1).Implements(reflect.TypeOf((*error)(nil)).Elem()) {
			return nil, fmt.Errorf("handler must return (R, error)")
		}
	default:
		return nil, fmt.Errorf("handler must return error or (R, error)")
	}

	return handler, nil
}

// Execute runs the handler with the given context and arguments. For
// (R, error) handlers the result is returned JSON-encoded; a json.RawMessage
// result is returned as is. Error-only handlers return a nil result.
func (h *Handler) Execute(ctx context.Context, argsJSON []byte) (json.RawMessage, error) {
	if !h.Fn.IsValid() || h.Fn.IsNil() {
		return nil, fmt.Errorf("handler function is nil or invalid")
	}

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	var args []reflect.Value

	if h.HasContext {
		args = append(args, reflect.ValueOf(ctx))
	}

	if h.ArgsType != nil {
		argVal := reflect.New(h.ArgsType)
		if err := json.Unmarshal(argsJSON, argVal.Interface()); err != nil {
			return nil, fmt.Errorf("failed to unmarshal args: %w", err)
		}
		args = append(args, argVal.Elem())
	}

	results := h.Fn.Call(args)

	switch len(results) {
	case 1:
		if !results[0].IsNil() {
			return nil, results[0].Interface().(error)
		}
	case 2:
		if !results[1].IsNil() {
			return nil, results[1].Interface().(error)
		}
		return encodeResult(results[0])
	}
	return nil, nil
}

func encodeResult(v reflect.Value) (json.RawMessage, error) {
	if v.Type() == rawMessageType {
		raw := v.Interface().(json.RawMessage)
		if raw == nil {
			return json.RawMessage("null"), nil
		}
		return raw, nil
	}
	data, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return data, nil
}
