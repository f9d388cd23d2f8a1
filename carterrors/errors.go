// Package carterrors defines the error taxonomy used across the context
// subsystem: a small set of codes (§7 of the design) wrapped in a single
// unexported error type, in the style of go.uber.org/yarpc/yarpcerrors.
package carterrors

import "fmt"

// Code classifies a context-subsystem error. Codes are not full error
// values: two errors with the same Code are not necessarily equal, and
// callers should use the ErrorCode accessor rather than comparing
// errors directly to sentinel errors.
type Code uint8

const (
	// CodeOK is never set on a returned error; it is the zero value used
	// by ErrorCode(err) when err is nil or not a *cartError.
	CodeOK Code = iota

	// CodeInvalid marks a programmer error at an API boundary: a bad
	// argument, a call on a destroyed context, and similar misuse.
	CodeInvalid

	// CodeNoMem marks allocation failure.
	CodeNoMem

	// CodeBusy marks a transient capacity condition: a non-force destroy
	// or abort against a context/EPI that still has outstanding work, or
	// a context registry already at its max_ctx limit.
	CodeBusy

	// CodeCanceled marks a user-initiated termination of a request.
	CodeCanceled

	// CodeTimeout marks a request whose deadline elapsed without a reply,
	// or a bounded wait (e.g. context_destroy(force=true)) that did not
	// drain in time.
	CodeTimeout

	// CodeUnreach marks a request whose target rank could not be
	// addressed (URI/address lookup failure).
	CodeUnreach

	// CodeTransportFailed wraps an opaque failure surfaced by the
	// Transport collaborator.
	CodeTransportFailed
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInvalid:
		return "invalid"
	case CodeNoMem:
		return "no-mem"
	case CodeBusy:
		return "busy"
	case CodeCanceled:
		return "canceled"
	case CodeTimeout:
		return "timeout"
	case CodeUnreach:
		return "unreach"
	case CodeTransportFailed:
		return "transport-failed"
	default:
		return "unknown"
	}
}

type cartError struct {
	code    Code
	message string
	cause   error
}

func (e *cartError) Error() string {
	if e.message == "" {
		return e.code.String()
	}
	return e.code.String() + ": " + e.message
}

func (e *cartError) Unwrap() error { return e.cause }

// IsCartError reports whether err is a non-nil error produced by this
// package's constructors.
func IsCartError(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*cartError)
	return ok
}

// ErrorCode returns the Code carried by err, or CodeOK if err is nil or
// was not produced by this package.
func ErrorCode(err error) Code {
	if err == nil {
		return CodeOK
	}
	if ce, ok := err.(*cartError); ok {
		return ce.code
	}
	return CodeOK
}

// Newf builds an error with an arbitrary code. Prefer the named
// constructors below; this exists for call sites that compute the code
// dynamically. The returned error carries no cause; use Wrap to keep an
// original error attached.
func Newf(code Code, format string, args ...interface{}) error {
	return &cartError{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap builds a CodeTransportFailed error that carries cause for
// Unwrap/errors.Is chains, matching §7's "TransportFailed (opaque wrap of
// transport-layer failure)".
func Wrap(cause error) error {
	if cause == nil {
		return nil
	}
	return &cartError{code: CodeTransportFailed, message: cause.Error(), cause: cause}
}

// InvalidErrorf returns a new error with CodeInvalid.
func InvalidErrorf(format string, args ...interface{}) error {
	return Newf(CodeInvalid, format, args...)
}

// NoMemErrorf returns a new error with CodeNoMem.
func NoMemErrorf(format string, args ...interface{}) error {
	return Newf(CodeNoMem, format, args...)
}

// BusyErrorf returns a new error with CodeBusy.
func BusyErrorf(format string, args ...interface{}) error {
	return Newf(CodeBusy, format, args...)
}

// CanceledErrorf returns a new error with CodeCanceled.
func CanceledErrorf(format string, args ...interface{}) error {
	return Newf(CodeCanceled, format, args...)
}

// TimeoutErrorf returns a new error with CodeTimeout.
func TimeoutErrorf(format string, args ...interface{}) error {
	return Newf(CodeTimeout, format, args...)
}

// UnreachErrorf returns a new error with CodeUnreach.
func UnreachErrorf(format string, args ...interface{}) error {
	return Newf(CodeUnreach, format, args...)
}
