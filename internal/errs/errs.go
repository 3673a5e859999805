// Package errs holds the fship error taxonomy (spec.md §6/§7) in a
// location internal packages (namespace, completion, server) can import
// without creating a cycle back to the root client-facing package, which
// re-exports everything here under the same names.
package errs

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrorCode is the stable, numerically-ordered error taxonomy of spec.md
// §6. Completion processing maps backend rc/status pairs onto one of
// these; GetError returns the mandated human string for each.
type ErrorCode int

const (
	SUCCESS ErrorCode = iota
	ErrGeneric
	ErrInvalid
	ErrHandle
	ErrInProgress
	ErrTimeout
	ErrUBuffer
	ErrUnavail
	ErrExists
	ErrNSBusy
	ErrNSInval
	ErrNoMemory
	ErrTagError
	ErrNoFile
	ErrNoAuth
	ErrNoConnect
	ErrCancelled
	ErrNotImpl
	ErrInvalidOp
	ErrBEPost
	ErrBEProto
	ErrBEGeneral
	ErrMaxError
)

var errorStrings = [...]string{
	SUCCESS:       "Operation successful",
	ErrGeneric:    "A general or unknown error has occurred",
	ErrInvalid:    "Invalid argument",
	ErrHandle:     "An invalid handle was encountered",
	ErrInProgress: "Operation in progress",
	ErrTimeout:    "Operation timed out",
	ErrUBuffer:    "Provided user buffer problem (too small, not available)",
	ErrUnavail:    "Entry not available",
	ErrExists:     "Entry already exists",
	ErrNSBusy:     "Namespace still referenced by a client",
	ErrNSInval:    "Namespace is invalid",
	ErrNoMemory:   "Insufficient memory or storage",
	ErrTagError:   "Invalid tag",
	ErrNoFile:     "File not found",
	ErrNoAuth:     "Access authorization required or failed",
	ErrNoConnect:  "Connection to a storage backend failed",
	ErrCancelled:  "Operation was cancelled",
	ErrNotImpl:    "Operation not implemented",
	ErrInvalidOp:  "Invalid operation",
	ErrBEPost:     "Failed to post request to back-end",
	ErrBEProto:    "A protocol error in the back-end was detected",
	ErrBEGeneral:  "Unspecified back-end error",
}

// GetError returns the mandated human-readable string for code, or
// "Unknown Error" if code falls outside the defined taxonomy.
func GetError(code ErrorCode) string {
	if code < 0 || int(code) >= len(errorStrings) {
		return "Unknown Error"
	}
	return errorStrings[code]
}

// Error implements the error interface so ErrorCode can be returned and
// compared directly via errors.Is without an extra wrapper in the common
// case.
func (c ErrorCode) Error() string {
	return GetError(c)
}

// MapErrno implements the generic errno-to-ErrorCode table of spec.md
// §4.5. Opcode-specific rules layer on top of this in the completion
// engine; this table alone is what a bare backend rc/status maps to.
func MapErrno(errno syscall.Errno) ErrorCode {
	switch errno {
	case 0:
		return SUCCESS
	case syscall.EINVAL, syscall.EMSGSIZE:
		return ErrInvalid
	case syscall.ETIMEDOUT:
		return ErrTimeout
	case syscall.ENODATA, syscall.ENOENT:
		return ErrUnavail
	case syscall.EEXIST:
		return ErrExists
	case syscall.ENOMEM:
		return ErrNoMemory
	case syscall.EBADF:
		return ErrNoFile
	case syscall.EPERM:
		return ErrNoAuth
	case syscall.ENOTCONN:
		return ErrNoConnect
	case syscall.ENOTSUP, syscall.ENOSYS:
		return ErrNotImpl
	case syscall.EBADMSG:
		return ErrInvalidOp
	case syscall.ENOMSG:
		return ErrBEPost
	case syscall.EPROTO:
		return ErrBEProto
	default:
		return ErrBEGeneral
	}
}

// Error represents a structured fship error with call-site context,
// wrapping an ErrorCode the way the completion engine and server surface
// failures that need more than a bare code (an operation name, a namespace
// handle, a wrapped lower-level error).
type Error struct {
	Op    string        // operation that failed (e.g. "post_request", "nsattach")
	NS    string        // namespace name, empty if not applicable
	Code  ErrorCode     // mapped error code
	Errno syscall.Errno // originating errno, 0 if not applicable
	Msg   string        // human-readable detail
	Inner error         // wrapped error, if any
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = GetError(e.Code)
	}
	switch {
	case e.Op != "" && e.NS != "":
		return fmt.Sprintf("fship: %s (op=%s ns=%s)", msg, e.Op, e.NS)
	case e.Op != "":
		return fmt.Sprintf("fship: %s (op=%s)", msg, e.Op)
	default:
		return fmt.Sprintf("fship: %s", msg)
	}
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is lets errors.Is(err, SomeErrorCode) succeed against a wrapped *Error.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if code, ok := target.(ErrorCode); ok {
		return e.Code == code
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// NewError creates a structured error for op with a fixed code and message.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a structured error carrying the originating
// errno (whose text becomes the message unless msg overrides it).
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewNamespaceError creates a structured error scoped to a namespace.
func NewNamespaceError(op, ns string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, NS: ns, Code: code, Msg: msg}
}

// WrapError wraps inner with fship context for op, mapping a bare
// syscall.Errno through MapErrno.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if fe, ok := inner.(*Error); ok {
		return &Error{Op: op, NS: fe.NS, Code: fe.Code, Errno: fe.Errno, Msg: fe.Msg, Inner: fe.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: MapErrno(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: ErrBEGeneral, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err (or an error it wraps) carries code.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	var bare ErrorCode
	if errors.As(err, &bare) {
		return bare == code
	}
	return false
}

// IsErrno reports whether err wraps the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Errno == errno
	}
	return false
}
