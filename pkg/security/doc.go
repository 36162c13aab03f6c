// Package security provides validation, sanitization, and limits for the grid packages.
//
// This package includes:
//   - Input validation for job type names, queue names and job ids
//   - The path containment check used when extracting code archives
//   - Error message sanitization to prevent sensitive data leakage
//   - Clamping functions to enforce safe limits on retries and concurrency
//   - Size limits for archives, envelopes and call arguments
package security
