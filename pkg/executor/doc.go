// Package executor runs user functions in a persistent child process.
//
// A Supervisor belongs to one worker slot. It keeps at most one executor
// process alive and reuses it for consecutive calls of the same job, so a
// job's setup cost is paid once per slot. A call for a different job, or a
// call after the process died, replaces the process.
//
// The executor process is this same binary started with the executor
// subcommand; see Main. Supervisor and executor talk through the protocol
// package: the executor announces READY, receives DISPATCH with three
// envelope paths, runs the call and answers DONE.
package executor
