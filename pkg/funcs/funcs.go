package funcs

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/jdziat/simple-grid/pkg/capture"
	"github.com/jdziat/simple-grid/pkg/core"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

var (
	mu       sync.RWMutex
	registry = map[key]*Func{}
)

type key struct {
	module, symbol string
}

// NotFoundError is returned by Lookup for unregistered references.
type NotFoundError struct {
	Module string
	Symbol string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%v: %s.%s", core.ErrFuncNotFound, e.Module, e.Symbol)
}

func (e *NotFoundError) Is(target error) bool {
	return target == core.ErrFuncNotFound
}

// Func is a registered function.
type Func struct {
	module, symbol string
	fn             reflect.Value
	hasContext     bool
	params         []reflect.Type
	hasResult      bool
	hasError       bool
}

// Register adds fn to the registry under (module, symbol). It panics if fn
// is not a function, has an unsupported signature, or if the name is taken.
func Register(module, symbol string, fn any) *Func {
	f, err := newFunc(module, symbol, fn)
	if err != nil {
		panic(fmt.Sprintf("grid: register %s.%s: %v", module, symbol, err))
	}
	mu.Lock()
	defer mu.Unlock()
	k := key{module, symbol}
	if _, ok := registry[k]; ok {
		panic(fmt.Sprintf("grid: register %s.%s: already registered", module, symbol))
	}
	registry[k] = f
	return f
}

func newFunc(module, symbol string, fn any) (*Func, error) {
	if module == "" || symbol == "" {
		return nil, fmt.Errorf("module and symbol are required")
	}
	if fn == nil {
		return nil, fmt.Errorf("function cannot be nil")
	}
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		return nil, fmt.Errorf("argument is a %T, not a func", fn)
	}
	if fv.IsNil() {
		return nil, fmt.Errorf("function cannot be nil")
	}
	ft := fv.Type()
	if ft.IsVariadic() {
		return nil, fmt.Errorf("variadic functions are not supported")
	}

	f := &Func{module: module, symbol: symbol, fn: fv}
	for i := 0; i < ft.NumIn(); i++ {
		in := ft.In(i)
		if i == 0 && in == contextType {
			f.hasContext = true
			continue
		}
		f.params = append(f.params, in)
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			f.hasError = true
		} else {
			f.hasResult = true
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, fmt.Errorf("second result must be error")
		}
		f.hasResult, f.hasError = true, true
	default:
		return nil, fmt.Errorf("must return at most (T, error)")
	}
	return f, nil
}

// Lookup resolves a reference registered in this binary.
func Lookup(ref core.FunctionRef) (*Func, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := registry[key{ref.Module, ref.Symbol}]
	if !ok {
		return nil, &NotFoundError{Module: ref.Module, Symbol: ref.Symbol}
	}
	return f, nil
}

// Ref returns the by-registry reference to f.
func (f *Func) Ref() core.FunctionRef {
	return core.FunctionRef{Module: f.module, Symbol: f.symbol}
}

// NumIn returns the number of parameters, excluding a leading context.
func (f *Func) NumIn() int { return len(f.params) }

// Bind returns a by-value reference to f with captured bound to its leading
// parameters. Captured values travel serialized inside the descriptor.
func (f *Func) Bind(captured ...any) (core.FunctionRef, error) {
	if len(captured) > len(f.params) {
		return core.FunctionRef{}, fmt.Errorf("grid: bind %s.%s: %d values for %d parameters",
			f.module, f.symbol, len(captured), len(f.params))
	}
	ref := f.Ref()
	ref.Inline = make([]json.RawMessage, 0, len(captured))
	for i, v := range captured {
		data, err := json.Marshal(v)
		if err != nil {
			return core.FunctionRef{}, fmt.Errorf("%w: bind argument %d: %w", core.ErrSerialization, i, err)
		}
		ref.Inline = append(ref.Inline, data)
	}
	return ref, nil
}

// Call decodes the arguments, invokes the function and encodes its result.
//
// inline values fill the leading parameters, then args, in order. When
// kwargs is not empty, exactly one parameter must remain and the kwargs
// object is decoded into it. A returned error is handed back unchanged. A
// panic is recovered and returned as an error that capture.Capture records
// with the panicking frames.
func (f *Func) Call(ctx context.Context, inline, args []json.RawMessage, kwargs map[string]json.RawMessage) (result json.RawMessage, err error) {
	positional := make([]json.RawMessage, 0, len(inline)+len(args))
	positional = append(positional, inline...)
	positional = append(positional, args...)

	want := len(f.params)
	if len(kwargs) > 0 {
		want--
	}
	if len(positional) != want {
		return nil, fmt.Errorf("%w: %s.%s takes %d arguments, got %d",
			core.ErrSerialization, f.module, f.symbol, want, len(positional))
	}

	in := make([]reflect.Value, 0, len(f.params)+1)
	if f.hasContext {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, raw := range positional {
		v, err := decode(f.params[i], raw)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %w", core.ErrSerialization, i, err)
		}
		in = append(in, v)
	}
	if len(kwargs) > 0 {
		last := f.params[len(f.params)-1]
		if k := indirect(last).Kind(); k != reflect.Struct && k != reflect.Map {
			return nil, fmt.Errorf("%w: keyword arguments need a struct or map parameter, have %s",
				core.ErrSerialization, last)
		}
		obj, err := json.Marshal(kwargs)
		if err != nil {
			return nil, fmt.Errorf("%w: keyword arguments: %w", core.ErrSerialization, err)
		}
		v, err := decode(last, obj)
		if err != nil {
			return nil, fmt.Errorf("%w: keyword arguments: %w", core.ErrSerialization, err)
		}
		in = append(in, v)
	}

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, capture.Recovered(r)
		}
	}()
	out := f.fn.Call(in)

	if f.hasError {
		if e := out[len(out)-1]; !e.IsNil() {
			return nil, capture.Caught(e.Interface().(error))
		}
	}
	if !f.hasResult {
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(out[0].Interface())
	if err != nil {
		return nil, fmt.Errorf("%w: result: %w", core.ErrSerialization, err)
	}
	return data, nil
}

func decode(t reflect.Type, raw json.RawMessage) (reflect.Value, error) {
	ptr := reflect.New(t)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
			return reflect.Value{}, err
		}
	}
	return ptr.Elem(), nil
}

func indirect(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
