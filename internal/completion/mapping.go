// Package completion implements the completion-to-errorcode mapping
// (spec.md §4.5) and the test/wait driving loop (spec.md §4.4) that
// turns backend rc/status pairs into the stable ErrorCode taxonomy.
package completion

import (
	"syscall"

	"github.com/databroker/fship/internal/errs"
	"github.com/databroker/fship/internal/request"
)

// mapStatus maps a completion's raw status field (0 on success, a
// negative errno magnitude on failure) through the generic errno table.
func mapStatus(status int32) errs.ErrorCode {
	if status == 0 {
		return errs.SUCCESS
	}
	return errs.MapErrno(syscall.Errno(-status))
}

// Map implements spec.md §4.5's opcode-specific completion rules. rsize
// is the sum of the originating request's SGE lengths. It returns the
// mapped ErrorCode and, where applicable, the value that should be
// written to the caller's rc_out.
func Map(op request.Opcode, rsize int64, flags request.Flags, rc int64, status int32) (code errs.ErrorCode, rcOut int64) {
	switch op {
	case request.OpPut:
		return mapPut(rc, status)
	case request.OpRead:
		return mapRead(rsize, flags, rc, status)
	case request.OpGet, request.OpDirectory:
		return mapGetDirectory(rsize, flags, rc, status)
	case request.OpRemove:
		return mapGeneric(rc, status)
	case request.OpNSCreate, request.OpNSAddUnits, request.OpNSRemoveUnits:
		return mapNSSimple(rc, status)
	case request.OpNSAttach, request.OpNSDetach:
		return mapNSRefcount(rc, status)
	case request.OpNSDelete:
		return mapNSDelete(rc, status)
	case request.OpNSQuery:
		return mapNSQuery(rsize, rc, status)
	case request.OpMove:
		return errs.ErrNotImpl, 0
	default:
		return errs.ErrInvalidOp, 0
	}
}

// mapGeneric implements REMOVE's "return status" rule: the generic
// errno table applied directly to the completion's status field.
func mapGeneric(rc int64, status int32) (errs.ErrorCode, int64) {
	_ = rc
	return mapStatus(status), 0
}

func mapPut(rc int64, status int32) (errs.ErrorCode, int64) {
	if rc < 0 {
		return mapStatus(status), 0
	}
	if status != 0 {
		return mapStatus(status), 0
	}
	if rc < 1 {
		return errs.ErrUBuffer, 0
	}
	return errs.SUCCESS, rc
}

func mapRead(rsize int64, flags request.Flags, rc int64, status int32) (errs.ErrorCode, int64) {
	forcedUnavail := false
	if rc < 0 {
		forcedUnavail = true
		rc = 0
	}
	code, rcOut := mapGetDirectory(rsize, flags, rc, status)
	if forcedUnavail {
		code = errs.ErrUnavail
	}
	return code, rcOut
}

func mapGetDirectory(rsize int64, flags request.Flags, rc int64, status int32) (errs.ErrorCode, int64) {
	if rsize < rc {
		if flags&request.FlagsPartial != 0 {
			return errs.SUCCESS, rc
		}
		return errs.ErrUBuffer, rc
	}
	if status == 0 {
		if rc < 0 {
			return errs.ErrInvalid, 0
		}
		return errs.SUCCESS, rc
	}
	return mapStatus(status), 0
}

func mapNSSimple(rc int64, status int32) (errs.ErrorCode, int64) {
	if rc != 0 {
		return mapStatus(status), 0
	}
	return errs.SUCCESS, 0
}

func mapNSRefcount(rc int64, status int32) (errs.ErrorCode, int64) {
	if rc <= 0 {
		return mapStatus(status), 0
	}
	return errs.SUCCESS, rc
}

func mapNSDelete(rc int64, status int32) (errs.ErrorCode, int64) {
	if rc != 0 && status == 0 {
		return errs.ErrBEGeneral, 0
	}
	return mapStatus(status), 0
}

func mapNSQuery(rsize int64, rc int64, status int32) (errs.ErrorCode, int64) {
	if rsize < rc || rc == 0 {
		return errs.ErrUBuffer, 0
	}
	if status != 0 {
		return mapStatus(status), 0
	}
	return errs.SUCCESS, rc
}
