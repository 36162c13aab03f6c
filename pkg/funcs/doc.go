// Package funcs is the registry of functions that grid calls can run.
//
// Go cannot load code at run time, so a submitter and its executors must be
// built from the same registrations. A function is registered under a
// (module, symbol) pair, usually from an init function or a package-level
// variable, and a call names it with a core.FunctionRef:
//
//	var Square = funcs.Register("examples/math", "Square", func(x int) int {
//	    return x * x
//	})
//
// Executors look the reference up again by name with Lookup.
package funcs
