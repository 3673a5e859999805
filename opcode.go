package fship

import "github.com/databroker/fship/internal/request"

// Opcode identifies the operation a Request carries, both across the
// client/backend boundary and on the wire between a remote client and
// the forwarding server. It is an alias of the internal request package's
// Opcode so the completion engine and backends, which cannot import this
// package without a cycle, speak the exact same type.
type Opcode = request.Opcode

const (
	OpPut           = request.OpPut
	OpGet           = request.OpGet
	OpRead          = request.OpRead
	OpRemove        = request.OpRemove
	OpDirectory     = request.OpDirectory
	OpIterator      = request.OpIterator
	OpNSCreate      = request.OpNSCreate
	OpNSAttach      = request.OpNSAttach
	OpNSDetach      = request.OpNSDetach
	OpNSDelete      = request.OpNSDelete
	OpNSQuery       = request.OpNSQuery
	OpNSAddUnits    = request.OpNSAddUnits
	OpNSRemoveUnits = request.OpNSRemoveUnits
	OpMove          = request.OpMove
)

// Flags modify the interpretation of a completion (spec.md §4.5:
// FLAGS_PARTIAL softens ERR_UBUFFER to SUCCESS on an undersized GET
// buffer).
type Flags = request.Flags

const (
	FlagsNone    = request.FlagsNone
	FlagsPartial = request.FlagsPartial
)
