// Package document defines the document value model, validation rules, and
// the error taxonomy shared across the rest of the module.
package document

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the stable tag carried by every error the module returns to a
// caller. It never changes meaning across releases so callers can branch on
// it without parsing messages.
type Kind string

const (
	// KindValidation marks malformed input: a bad collection name, a
	// document that fails a field-name/size/depth/cycle check, or a query
	// that uses an unknown operator or is too deep/large/complex.
	KindValidation Kind = "validation"

	// KindResourceLimit marks a count/size/depth cap breach (collection
	// count, document count, collection size, index count, ...).
	KindResourceLimit Kind = "resource_limit"

	// KindDataIntegrity marks a checksum mismatch, a circular reference,
	// or a duplicate document id.
	KindDataIntegrity Kind = "data_integrity"

	// KindPerformance marks a timeout or an open circuit breaker.
	KindPerformance Kind = "performance"

	// KindConnectivity marks a persistence-adapter I/O failure.
	KindConnectivity Kind = "connectivity"

	// KindConfiguration marks an invalid option passed to open/configure.
	KindConfiguration Kind = "configuration"
)

// Error is the concrete error type returned by every public operation in
// this module. It carries a stable Kind, a human-readable message, and a
// structured context map for callers that want machine-readable detail.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// With returns a copy of e with a context entry attached. Sentinel errors
// like ErrDuplicateID are shared package-level values, so With must never
// mutate the receiver in place — doing so would leak context between
// unrelated calls and race under concurrent use.
func (e *Error) With(key string, value any) *Error {
	out := &Error{Kind: e.Kind, Message: e.Message, cause: e.cause}
	out.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		out.Context[k] = v
	}
	out.Context[key] = value
	return out
}

// newError builds an *Error of the given kind, wrapping cause with
// github.com/pkg/errors when non-nil so the stack trace at the point where
// an internal failure became a typed module error is preserved.
func newError(kind Kind, cause error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrap(cause, msg)
	}
	return &Error{Kind: kind, Message: msg, cause: wrapped}
}

// NewValidationError builds a KindValidation error.
func NewValidationError(format string, args ...any) *Error {
	return newError(KindValidation, nil, format, args...)
}

// NewResourceLimitError builds a KindResourceLimit error.
func NewResourceLimitError(format string, args ...any) *Error {
	return newError(KindResourceLimit, nil, format, args...)
}

// NewDataIntegrityError builds a KindDataIntegrity error.
func NewDataIntegrityError(cause error, format string, args ...any) *Error {
	return newError(KindDataIntegrity, cause, format, args...)
}

// NewPerformanceError builds a KindPerformance error.
func NewPerformanceError(format string, args ...any) *Error {
	return newError(KindPerformance, nil, format, args...)
}

// NewConnectivityError builds a KindConnectivity error, wrapping the
// underlying adapter failure.
func NewConnectivityError(cause error, format string, args ...any) *Error {
	return newError(KindConnectivity, cause, format, args...)
}

// NewConfigurationError builds a KindConfiguration error.
func NewConfigurationError(format string, args ...any) *Error {
	return newError(KindConfiguration, nil, format, args...)
}

// Is reports whether target is the same Kind-tagged sentinel. This lets
// callers write errors.Is(err, document.ErrNotFound) against a returned
// *Error whose Kind/Message match a sentinel's.
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == sentinel.Kind && e.Message == sentinel.Message
}

// Sentinel errors for the most common failure conditions. These are
// returned directly (not wrapped) so errors.Is comparisons are cheap and
// exact; callers needing more detail should inspect Context via
// errors.As(err, &document.Error{}).
var (
	ErrNotFound            = &Error{Kind: KindValidation, Message: "document not found"}
	ErrDuplicateID         = &Error{Kind: KindDataIntegrity, Message: "duplicate document id"}
	ErrCounterOverflow     = &Error{Kind: KindResourceLimit, Message: "document id counter overflow"}
	ErrIndexExists         = &Error{Kind: KindValidation, Message: "index already exists"}
	ErrIndexNotFound       = &Error{Kind: KindValidation, Message: "index not found"}
	ErrImmutableField      = &Error{Kind: KindValidation, Message: "field is immutable"}
	ErrTimeout             = &Error{Kind: KindPerformance, Message: "operation timed out"}
	ErrCircuitOpen         = &Error{Kind: KindPerformance, Message: "circuit breaker open"}
	ErrRateLimited         = &Error{Kind: KindPerformance, Message: "operation rate limit exceeded"}
	ErrVersionMismatch     = &Error{Kind: KindDataIntegrity, Message: "concurrent modification detected"}
	ErrChecksumMismatch    = &Error{Kind: KindDataIntegrity, Message: "wal record checksum mismatch"}
	ErrTransactionClosed   = &Error{Kind: KindValidation, Message: "transaction is not open"}
	ErrTooManyTransactions = &Error{Kind: KindResourceLimit, Message: "too many concurrent transactions"}
)
