// Package core holds the ambient pieces shared by every registry package.
//
// # Errors
//
// Every error that crosses a backend boundary is an *Error carrying one Kind.
// Callers match kinds with errors.Is against the kind sentinels (ErrNotFound,
// ErrConflict, ...) and stage timeouts against ErrAcquireTimeout,
// ErrStatementTimeout and ErrTraversalTimeout.
//
// # Configuration
//
// Config is read from YAML with ${ENV} expansion and validated before use.
// DefaultConfig gives a working single-file SQLite setup.
//
// # Observability
//
// Logger is a small structured logging interface backed by zap. Metrics owns
// a private Prometheus registry so several registries can run in one process.
package core
