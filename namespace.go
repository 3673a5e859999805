package fship

import (
	"sync"
	"sync/atomic"

	"github.com/databroker/fship/internal/completion"
	"github.com/databroker/fship/internal/interfaces"
	"github.com/databroker/fship/internal/logging"
	"github.com/databroker/fship/internal/namespace"
	"github.com/databroker/fship/internal/request"
	"github.com/databroker/fship/internal/wire"
)

// Config configures a Namespace with a typed Config/DefaultParams
// pattern.
type Config struct {
	// TimeoutSec bounds Wait; 0 disables the timeout.
	TimeoutSec int
	// TagPoolSize is the namespace's outstanding-request domain.
	TagPoolSize int
}

// DefaultConfig returns sane defaults: a DefaultTimeoutSec (30 second)
// wait timeout and room for DefaultTagPoolSize (4096) concurrently
// outstanding requests.
func DefaultConfig() Config {
	return Config{TimeoutSec: DefaultTimeoutSec, TagPoolSize: DefaultTagPoolSize}
}

// Namespace is a named keyspace attached to a Backend: it owns a tag
// pool, a pending table, and drives the post/wait lifecycle through a
// completion engine (spec.md §4.4, glossary "Namespace").
type Namespace struct {
	name    string
	backend interfaces.Backend
	cfg     Config

	tags    *namespace.TagPool
	pending *namespace.PendingTable
	engine  *completion.Engine
	log     *logging.Logger

	mu       sync.Mutex
	refCount int32
}

// NewNamespace attaches name to backend with cfg.
func NewNamespace(name string, backend interfaces.Backend, cfg Config) *Namespace {
	pending := namespace.NewPendingTable()
	return &Namespace{
		name:    name,
		backend: backend,
		cfg:     cfg,
		tags:    namespace.NewTagPool(cfg.TagPoolSize),
		pending: pending,
		engine:  completion.New(backend, pending),
		log:     logging.Default().With("namespace", name),
	}
}

// Name returns the namespace's attach name.
func (ns *Namespace) Name() string { return ns.name }

// RefCount returns the namespace's current attach reference count, kept
// up to date by successful NSAttach/NSDetach calls (supplemented beyond
// spec.md's distillation, which threads the refcount only through
// completion rc values).
func (ns *Namespace) RefCount() int32 {
	return atomic.LoadInt32(&ns.refCount)
}

// post builds a request context, acquires a tag, inserts it into the
// pending table, and hands it to the backend (spec.md §4.4's
// create_request_ctx/insert_request/post_request sequence).
func (ns *Namespace) post(opcode request.Opcode, key, match string, sge []wire.SGE, flags request.Flags, rcOut *int64) (*request.Ctx, ErrorCode) {
	tag := ns.tags.Acquire()
	if tag == namespace.TagError {
		return nil, ErrTagError
	}

	req := &request.Request{
		Opcode: opcode,
		Group:  ns.name,
		Key:    key,
		Match:  match,
		Flags:  flags,
		SGE:    sge,
	}
	ctx := &request.Ctx{Tag: tag, Req: req, RCOut: rcOut}

	if !ns.pending.Insert(tag, ctx) {
		ns.tags.Release(tag)
		return nil, ErrTagError
	}

	if ferr := ns.engine.Post(ctx); ferr != nil {
		ns.pending.Remove(tag)
		ns.tags.Release(tag)
		return nil, ferr.Code
	}
	return ctx, SUCCESS
}

// waitFor drives ctx to completion (or timeout) and releases its tag and
// pending-table entry once resolved.
func (ns *Namespace) waitFor(ctx *request.Ctx) ErrorCode {
	code := ns.engine.Wait(ctx, ns.cfg.TimeoutSec)
	ns.pending.Remove(ctx.Tag)
	ns.tags.Release(ctx.Tag)
	return code
}

// Put stores value under key, returning the number of bytes accepted.
func (ns *Namespace) Put(key string, value []byte) (int64, ErrorCode) {
	var rc int64
	ctx, code := ns.post(OpPut, key, "", []wire.SGE{{Base: value, Len: len(value)}}, FlagsNone, &rc)
	if code != SUCCESS {
		return 0, code
	}
	code = ns.waitFor(ctx)
	return rc, code
}

// Get reads key into buf, returning the number of bytes written (or the
// full value size with ErrUBuffer if buf was too small and flags doesn't
// include FlagsPartial).
func (ns *Namespace) Get(key string, buf []byte, flags Flags) (int64, ErrorCode) {
	var rc int64
	ctx, code := ns.post(OpGet, key, "", []wire.SGE{{Base: buf, Len: len(buf)}}, flags, &rc)
	if code != SUCCESS {
		return 0, code
	}
	code = ns.waitFor(ctx)
	return rc, code
}

// Read is GET's streaming counterpart: backend failures map to
// ErrUnavail rather than propagating the raw errno (spec.md §4.5).
func (ns *Namespace) Read(key string, buf []byte, flags Flags) (int64, ErrorCode) {
	var rc int64
	ctx, code := ns.post(OpRead, key, "", []wire.SGE{{Base: buf, Len: len(buf)}}, flags, &rc)
	if code != SUCCESS {
		return 0, code
	}
	code = ns.waitFor(ctx)
	return rc, code
}

// Remove deletes key.
func (ns *Namespace) Remove(key string) ErrorCode {
	ctx, code := ns.post(OpRemove, key, "", nil, FlagsNone, nil)
	if code != SUCCESS {
		return code
	}
	return ns.waitFor(ctx)
}

// Directory lists keys matching match into buf (one per line, backend
// defined), returning the number of bytes written.
func (ns *Namespace) Directory(match string, buf []byte, flags Flags) (int64, ErrorCode) {
	var rc int64
	ctx, code := ns.post(OpDirectory, "", match, []wire.SGE{{Base: buf, Len: len(buf)}}, flags, &rc)
	if code != SUCCESS {
		return 0, code
	}
	code = ns.waitFor(ctx)
	return rc, code
}

// Iterator advances a directory-style cursor identified by match,
// yielding the next page into buf.
func (ns *Namespace) Iterator(match string, buf []byte, flags Flags) (int64, ErrorCode) {
	var rc int64
	ctx, code := ns.post(OpIterator, "", match, []wire.SGE{{Base: buf, Len: len(buf)}}, flags, &rc)
	if code != SUCCESS {
		return 0, code
	}
	code = ns.waitFor(ctx)
	return rc, code
}

// NSCreate creates the namespace on the backend. Must be called before
// NSAttach on a fresh backend instance.
func (ns *Namespace) NSCreate() ErrorCode {
	ctx, code := ns.post(OpNSCreate, "", "", nil, FlagsNone, nil)
	if code != SUCCESS {
		return code
	}
	return ns.waitFor(ctx)
}

// NSAttach attaches to the namespace, returning the post-attach
// reference count.
func (ns *Namespace) NSAttach() (int64, ErrorCode) {
	var rc int64
	ctx, code := ns.post(OpNSAttach, "", "", nil, FlagsNone, &rc)
	if code != SUCCESS {
		return 0, code
	}
	code = ns.waitFor(ctx)
	if code == SUCCESS {
		ns.mu.Lock()
		ns.refCount = int32(rc)
		ns.mu.Unlock()
	}
	return rc, code
}

// NSDetach detaches from the namespace, returning the post-detach
// reference count.
func (ns *Namespace) NSDetach() (int64, ErrorCode) {
	var rc int64
	ctx, code := ns.post(OpNSDetach, "", "", nil, FlagsNone, &rc)
	if code != SUCCESS {
		return 0, code
	}
	code = ns.waitFor(ctx)
	if code == SUCCESS {
		ns.mu.Lock()
		ns.refCount = int32(rc)
		ns.mu.Unlock()
	}
	return rc, code
}

// NSDelete deletes the namespace on the backend. While any attach remains
// outstanding the backend reports EBUSY, which the generic errno table
// does not map, so the call fails with ErrBEGeneral.
func (ns *Namespace) NSDelete() ErrorCode {
	ctx, code := ns.post(OpNSDelete, "", "", nil, FlagsNone, nil)
	if code != SUCCESS {
		return code
	}
	return ns.waitFor(ctx)
}

// NSQuery returns the namespace's current reference count as observed by
// the backend.
func (ns *Namespace) NSQuery() (int64, ErrorCode) {
	var rc int64
	ctx, code := ns.post(OpNSQuery, "", "", nil, FlagsNone, &rc)
	if code != SUCCESS {
		return 0, code
	}
	code = ns.waitFor(ctx)
	return rc, code
}

// NSAddUnits grows the namespace's backing storage by count units
// (backend-defined sizing).
func (ns *Namespace) NSAddUnits(count int64) ErrorCode {
	ctx, code := ns.post(OpNSAddUnits, "", "", []wire.SGE{{Len: int(count)}}, FlagsNone, nil)
	if code != SUCCESS {
		return code
	}
	return ns.waitFor(ctx)
}

// NSRemoveUnits shrinks the namespace's backing storage by count units.
func (ns *Namespace) NSRemoveUnits(count int64) ErrorCode {
	ctx, code := ns.post(OpNSRemoveUnits, "", "", []wire.SGE{{Len: int(count)}}, FlagsNone, nil)
	if code != SUCCESS {
		return code
	}
	return ns.waitFor(ctx)
}

// Move is unsupported (spec.md §4.5: "MOVE: unsupported"). MemBackend
// completes it with ENOTSUP (or ENOTCONN if unattached) and the
// completion mapping reports ErrNotImpl for any MOVE completion;
// RedisBackend rejects it at post time, so Move returns ErrBEPost.
func (ns *Namespace) Move(key, dest string) ErrorCode {
	ctx, code := ns.post(OpMove, key, dest, nil, FlagsNone, nil)
	if code != SUCCESS {
		return code
	}
	return ns.waitFor(ctx)
}

// Close releases the backend. Idempotent.
func (ns *Namespace) Close() error {
	return ns.backend.Exit()
}
