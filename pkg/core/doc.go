// Package core provides the fundamental types and interfaces for the grid packages.
//
// This package contains:
//   - TaskDescriptor, FunctionRef and CallRequest, the payloads shared by submitters and workers
//   - Job, CodeArchive and HostLock data models with GORM annotations
//   - Storage, CodeStore and HostLocker interfaces defining the persistence contracts
//   - Event types for queue and executor monitoring
//   - The error taxonomy used across packaging, distribution and execution
//
// Most users should import the root package github.com/jdziat/simple-grid
// instead of this package directly.
package core
