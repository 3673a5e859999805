// Package request defines the on-the-wire-independent request and
// completion records that flow between a namespace, its backend, and
// (when fronting a remote client) the forwarding server. These are the
// internal counterparts of spec.md §3's Request/Completion/RequestContext
// types, kept separate from the root package so backend implementations
// and the completion engine can share them without importing the
// client-facing package.
package request

import (
	"github.com/databroker/fship/internal/wire"
)

// Status is a request context's lifecycle state (spec.md §4.4).
type Status int

const (
	Pending Status = iota
	Ready
)

// Opcode mirrors the root package's Opcode so internal packages don't
// need to import it; the root package's constants have identical
// underlying values and String() output.
type Opcode int

const (
	OpPut Opcode = iota
	OpGet
	OpRead
	OpRemove
	OpDirectory
	OpIterator
	OpNSCreate
	OpNSAttach
	OpNSDetach
	OpNSDelete
	OpNSQuery
	OpNSAddUnits
	OpNSRemoveUnits
	OpMove
)

func (o Opcode) String() string {
	switch o {
	case OpPut:
		return "PUT"
	case OpGet:
		return "GET"
	case OpRead:
		return "READ"
	case OpRemove:
		return "REMOVE"
	case OpDirectory:
		return "DIRECTORY"
	case OpIterator:
		return "ITERATOR"
	case OpNSCreate:
		return "NSCREATE"
	case OpNSAttach:
		return "NSATTACH"
	case OpNSDetach:
		return "NSDETACH"
	case OpNSDelete:
		return "NSDELETE"
	case OpNSQuery:
		return "NSQUERY"
	case OpNSAddUnits:
		return "NSADDUNITS"
	case OpNSRemoveUnits:
		return "NSREMOVEUNITS"
	case OpMove:
		return "MOVE"
	default:
		return "UNKNOWN"
	}
}

// Flags mirrors the root package's Flags.
type Flags uint32

const (
	FlagsNone    Flags = 0
	FlagsPartial Flags = 1 << 0
)

// Request is what a namespace posts to a Backend.
type Request struct {
	Opcode   Opcode
	Group    string
	NSHandle uint64
	Key      string
	Match    string
	Flags    Flags
	SGE      []wire.SGE

	// UserPtr is the caller's own correlation handle, opaque to the
	// backend; the server rebinds this field to its own RequestContext
	// before posting and restores it on the way back out (spec.md §4.6).
	UserPtr any
}

// RSize returns the sum of SGE element lengths, used by the completion
// engine's GET/DIRECTORY/NSQUERY undersized-buffer checks.
func (r *Request) RSize() int64 {
	var total int64
	for _, s := range r.SGE {
		total += int64(s.Len)
	}
	return total
}

// Completion is what a Backend returns from TestAny for a previously
// posted request.
type Completion struct {
	Opcode Opcode

	// RC is the completion's primary return value: bytes transferred for
	// PUT/GET/READ/DIRECTORY, a reference count for
	// NSATTACH/NSDETACH/NSQUERY, 0/nonzero for the other NS operations.
	RC int64

	// Status is 0 on success or a negative errno magnitude on failure
	// (e.g. -EPROTO), per spec.md §4.5.
	Status int32

	// UserPtr echoes the Request's UserPtr (or, on the server, the
	// *RequestContext that was substituted for it on post).
	UserPtr any
}

// Ctx is the asynchronous handle a namespace hands back from its post
// path: the caller polls or waits on it until Status transitions to
// Ready.
type Ctx struct {
	Tag        int
	Req        *Request
	Completion Completion
	Status     Status

	// Cancelled is set by CompleteCancel (spec.md §4.4); once set, the
	// completion engine reports ERR_CANCELLED instead of running the
	// synthetic completion through the opcode mapping table.
	Cancelled bool

	// RCOut receives the mapped rc of the completion, whatever its opcode
	// (spec.md §4.5); nil if the caller doesn't want it.
	RCOut *int64
}
