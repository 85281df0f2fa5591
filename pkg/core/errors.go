package core

import (
	"errors"
	"fmt"
)

// Kind classifies every error that crosses a backend boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindConstraint
	KindPoolExhausted
	KindTransient
	KindFatal
	KindTimeout
	KindInvalid
)

// String returns the taxonomy name of the kind
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindConstraint:
		return "constraint_violation"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindTransient:
		return "transient_backend"
	case KindFatal:
		return "fatal_backend"
	case KindTimeout:
		return "timeout"
	case KindInvalid:
		return "invalid_argument"
	default:
		return "unknown"
	}
}

// kindError is the sentinel type for a whole kind.
type kindError struct{ kind Kind }

func (e *kindError) Error() string { return e.kind.String() }

// Sentinels, one per kind. Match with errors.Is.
var (
	ErrNotFound      error = &kindError{KindNotFound}
	ErrConflict      error = &kindError{KindConflict}
	ErrConstraint    error = &kindError{KindConstraint}
	ErrPoolExhausted error = &kindError{KindPoolExhausted}
	ErrTransient     error = &kindError{KindTransient}
	ErrFatal         error = &kindError{KindFatal}
	ErrTimeout       error = &kindError{KindTimeout}
	ErrInvalid       error = &kindError{KindInvalid}
)

// Stage-specific timeouts. Each also matches its kind sentinel.
var (
	// ErrAcquireTimeout is returned when no pooled connection frees up in time
	ErrAcquireTimeout = &Error{Op: "acquire", Kind: KindPoolExhausted, Err: errors.New("connection acquire timed out")}

	// ErrStatementTimeout is returned when a single SQL round-trip exceeds its deadline
	ErrStatementTimeout = &Error{Op: "statement", Kind: KindTimeout, Err: errors.New("statement timed out")}

	// ErrTraversalTimeout is returned when graph expansion exceeds its deadline
	ErrTraversalTimeout = &Error{Op: "traverse", Kind: KindTimeout, Err: errors.New("traversal timed out")}

	// ErrStoreClosed is returned when trying to use a closed store
	ErrStoreClosed = &Error{Op: "store", Kind: KindFatal, Err: errors.New("store is closed")}
)

// Error wraps an underlying error with the operation and its kind
type Error struct {
	Op   string // Operation name
	Kind Kind   // Taxonomy kind
	Err  error  // Underlying error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("sqregistry: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("sqregistry: %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches kind sentinels and identical stage errors.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *kindError:
		return e.Kind == t.kind
	case *Error:
		return e == t
	}
	return false
}

// E builds a classified error. If err is already classified the outer
// operation is recorded and the inner kind wins.
func E(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return &Error{Op: op, Kind: ce.Kind, Err: err}
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// WithKind classifies err as kind even if it already carries another kind.
func WithKind(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(op string, kind Kind, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// wrapError attaches an operation name and keeps the inner kind.
func wrapError(op string, err error) error {
	return E(op, KindUnknown, err)
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a transient backend error.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
