// Package fship is the client façade for the databroker key-value/tuple
// store: namespaces attach to a pluggable Backend, post asynchronous
// operations, and retrieve completions via Test/Wait.
package fship

import (
	"syscall"

	"github.com/databroker/fship/internal/errs"
)

// ErrorCode is the stable, numerically-ordered error taxonomy of spec.md
// §6. It is an alias of the internal taxonomy so the completion engine
// and server, which cannot import this package without a cycle, speak
// the exact same type.
type ErrorCode = errs.ErrorCode

const (
	SUCCESS        = errs.SUCCESS
	ErrGeneric     = errs.ErrGeneric
	ErrInvalid     = errs.ErrInvalid
	ErrHandle      = errs.ErrHandle
	ErrInProgress  = errs.ErrInProgress
	ErrTimeout     = errs.ErrTimeout
	ErrUBuffer     = errs.ErrUBuffer
	ErrUnavail     = errs.ErrUnavail
	ErrExists      = errs.ErrExists
	ErrNSBusy      = errs.ErrNSBusy
	ErrNSInval     = errs.ErrNSInval
	ErrNoMemory    = errs.ErrNoMemory
	ErrTagError    = errs.ErrTagError
	ErrNoFile      = errs.ErrNoFile
	ErrNoAuth      = errs.ErrNoAuth
	ErrNoConnect   = errs.ErrNoConnect
	ErrCancelled   = errs.ErrCancelled
	ErrNotImpl     = errs.ErrNotImpl
	ErrInvalidOp   = errs.ErrInvalidOp
	ErrBEPost      = errs.ErrBEPost
	ErrBEProto     = errs.ErrBEProto
	ErrBEGeneral   = errs.ErrBEGeneral
	ErrMaxError    = errs.ErrMaxError
)

// Error is the structured error fship returns from its public API; see
// internal/errs for the full taxonomy this wraps.
type Error = errs.Error

// GetError returns the mandated human-readable string for code, or
// "Unknown Error" if code falls outside the defined taxonomy.
func GetError(code ErrorCode) string { return errs.GetError(code) }

// MapErrno implements the generic errno-to-ErrorCode table of spec.md §4.5.
func MapErrno(errno syscall.Errno) ErrorCode { return errs.MapErrno(errno) }

// NewError creates a structured error for op with a fixed code and message.
func NewError(op string, code ErrorCode, msg string) *Error { return errs.NewError(op, code, msg) }

// NewErrorWithErrno creates a structured error carrying the originating errno.
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return errs.NewErrorWithErrno(op, code, errno)
}

// NewNamespaceError creates a structured error scoped to a namespace.
func NewNamespaceError(op, ns string, code ErrorCode, msg string) *Error {
	return errs.NewNamespaceError(op, ns, code, msg)
}

// WrapError wraps inner with fship context for op.
func WrapError(op string, inner error) *Error { return errs.WrapError(op, inner) }

// IsCode reports whether err (or an error it wraps) carries code.
func IsCode(err error, code ErrorCode) bool { return errs.IsCode(err, code) }

// IsErrno reports whether err wraps the given errno.
func IsErrno(err error, errno syscall.Errno) bool { return errs.IsErrno(err, errno) }
