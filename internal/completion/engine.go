package completion

import (
	"time"

	"github.com/databroker/fship/internal/errs"
	"github.com/databroker/fship/internal/interfaces"
	"github.com/databroker/fship/internal/logging"
	"github.com/databroker/fship/internal/namespace"
	"github.com/databroker/fship/internal/request"
)

// clockCheckIterations bounds how often Wait calls the monotonic clock
// while busy-polling, amortizing syscall overhead (spec.md §4.4).
const clockCheckIterations = 1 << 16

// Engine drives a namespace's request lifecycle against a Backend:
// posting, polling, and mapping completions to ErrorCode (spec.md §4.4).
type Engine struct {
	backend interfaces.Backend
	pending *namespace.PendingTable
	log     *logging.Logger
}

// New returns an engine fronting backend, draining completions into
// pending.
func New(backend interfaces.Backend, pending *namespace.PendingTable) *Engine {
	return &Engine{backend: backend, pending: pending, log: logging.Default()}
}

// Post hands ctx.Req to the backend with ctx as its opaque user pointer
// (spec.md §4.4's post_request). Returns ERR_BE_POST if the backend
// rejects it outright.
func (e *Engine) Post(ctx *request.Ctx) *errs.Error {
	ctx.Req.UserPtr = ctx
	if err := e.backend.Post(ctx.Req); err != nil {
		return errs.NewError("post_request", errs.ErrBEPost, err.Error())
	}
	return nil
}

// ProcessCompletion verifies cpl's user pointer identifies ctx, records
// its rc/status, and marks ctx Ready. A mismatched user pointer is a
// caller bug (ERR_HANDLE); a nil user pointer on the backend's side is a
// backend protocol bug (ERR_BE_GENERAL), surfaced by the caller that
// located ctx via the pending table rather than here.
func (e *Engine) ProcessCompletion(ctx *request.Ctx, cpl request.Completion) *errs.Error {
	if cpl.UserPtr != any(ctx) {
		return errs.NewError("process_completion", errs.ErrHandle, "completion user pointer mismatch")
	}
	ctx.Completion = cpl
	ctx.Status = request.Ready
	return nil
}

// drainOne polls the backend for a single completion and, if one
// arrived, locates its owning context via the pending table and
// processes it. Returns the context that transitioned to Ready, or nil
// if nothing completed this call.
func (e *Engine) drainOne() (*request.Ctx, *errs.Error) {
	cpl, err := e.backend.TestAny()
	if err != nil {
		return nil, errs.WrapError("test_any", err)
	}
	if cpl == nil {
		return nil, nil
	}
	ctx, ok := cpl.UserPtr.(*request.Ctx)
	if !ok || ctx == nil {
		return nil, errs.NewError("test_any", errs.ErrBEGeneral, "backend completion carried no user pointer")
	}
	if ferr := e.ProcessCompletion(ctx, *cpl); ferr != nil {
		return nil, ferr
	}
	return ctx, nil
}

// TestRequest implements spec.md §4.4's test_request: drain at most one
// backend completion, then report target's status. Returns
// ERR_INPROGRESS while target is still pending, or the mapped code
// (plus rc_out side effect) once it is Ready.
func (e *Engine) TestRequest(target *request.Ctx) errs.ErrorCode {
	if _, ferr := e.drainOne(); ferr != nil {
		e.log.Warn("test_any failed", "error", ferr.Error())
	}

	if target.Status != request.Ready {
		return errs.ErrInProgress
	}
	if target.Cancelled {
		return errs.ErrCancelled
	}

	code, rcOut := Map(target.Req.Opcode, target.Req.RSize(), target.Req.Flags, target.Completion.RC, target.Completion.Status)
	if target.RCOut != nil {
		*target.RCOut = rcOut
	}
	return code
}

// Wait repeatedly calls TestRequest until target is Ready or timeoutSec
// elapses (0 disables the timeout). The monotonic clock is consulted
// only every clockCheckIterations spins to bound syscall overhead. On
// timeout it issues Cancel before returning ERR_TIMEOUT (spec.md §9:
// the original leaves this unfinished).
func (e *Engine) Wait(target *request.Ctx, timeoutSec int) errs.ErrorCode {
	start := time.Now()
	iterations := 0

	for {
		code := e.TestRequest(target)
		if code != errs.ErrInProgress {
			return code
		}

		iterations++
		if timeoutSec <= 0 || iterations%clockCheckIterations != 0 {
			continue
		}
		if time.Since(start) >= time.Duration(timeoutSec)*time.Second {
			e.CompleteCancel(target)
			return errs.ErrTimeout
		}
	}
}

// CompleteCancel synthesizes a completion with ERR_CANCELLED, rc=0, the
// request's own user pointer echoed (spec.md §4.4's complete_cancel).
// It also asks the backend to cancel the in-flight operation, best
// effort.
func (e *Engine) CompleteCancel(ctx *request.Ctx) {
	_ = e.backend.Cancel(ctx.Req)
	ctx.Completion = request.Completion{
		Opcode:  ctx.Req.Opcode,
		RC:      0,
		UserPtr: ctx,
	}
	ctx.Cancelled = true
	ctx.Status = request.Ready
}
