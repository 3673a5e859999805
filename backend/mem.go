// Package backend provides fship backend implementations: pluggable
// storage providers a namespace attaches to via internal/interfaces.Backend.
package backend

import (
	"hash/fnv"
	"sync"
	"syscall"

	"github.com/databroker/fship/internal/interfaces"
	"github.com/databroker/fship/internal/request"
	"github.com/databroker/fship/internal/wire"
)

var _ interfaces.Backend = (*MemBackend)(nil)

const (
	errEEXIST   = int32(syscall.EEXIST)
	errENOENT   = int32(syscall.ENOENT)
	errEBUSY    = int32(syscall.EBUSY)
	errENOTCONN = int32(syscall.ENOTCONN)
	errENOTSUP  = int32(syscall.ENOTSUP)
	errEINVAL   = int32(syscall.EINVAL)
)

// numShards bounds the striped lock a namespace uses for its keyspace:
// enough stripes that concurrent callers on distinct keys rarely
// collide, without paying per-key lock allocation.
const numShards = 64

// nsEntry is one attached namespace's keyspace: a striped map of key ->
// value, the attach refcount NSATTACH/NSDETACH maintain, and an abstract
// capacity counter NSADDUNITS/NSREMOVEUNITS adjust (this backend has no
// physical storage to grow or shrink, so units is bookkeeping only).
type nsEntry struct {
	shards   [numShards]sync.RWMutex
	data     [numShards]map[string][]byte
	refcount int
	units    int64
}

func newNSEntry() *nsEntry {
	e := &nsEntry{}
	for i := range e.data {
		e.data[i] = make(map[string][]byte)
	}
	return e
}

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % numShards)
}

// unitsArg extracts the unit count a Namespace.NSAddUnits/NSRemoveUnits
// call packs into its first (base-less) SGE element's Len field.
func unitsArg(req *request.Request) int64 {
	if len(req.SGE) == 0 {
		return 0
	}
	return int64(req.SGE[0].Len)
}

// MemBackend is an in-memory, namespaced key-value store implementing
// internal/interfaces.Backend. Operations complete synchronously from
// the caller's perspective but are drained through the usual
// Post/TestAny asynchronous handshake so callers can't distinguish it
// from a backend with real I/O latency.
type MemBackend struct {
	mu         sync.Mutex
	namespaces map[string]*nsEntry
	pending    []request.Completion
}

// NewMemBackend returns an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{namespaces: make(map[string]*nsEntry)}
}

// Post executes req immediately and queues its completion for the next
// TestAny call, preserving the asynchronous contract without simulating
// extra latency.
func (m *MemBackend) Post(req *request.Request) error {
	cpl := m.execute(req)
	m.mu.Lock()
	m.pending = append(m.pending, cpl)
	m.mu.Unlock()
	return nil
}

// TestAny returns the oldest queued completion, or (nil, nil) if none.
func (m *MemBackend) TestAny() (*request.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil, nil
	}
	cpl := m.pending[0]
	m.pending = m.pending[1:]
	return &cpl, nil
}

// Cancel is a no-op: MemBackend completes synchronously in Post, so
// there is never anything in flight to cancel.
func (m *MemBackend) Cancel(req *request.Request) error {
	return nil
}

// Exit releases all namespace data. Idempotent.
func (m *MemBackend) Exit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.namespaces = make(map[string]*nsEntry)
	m.pending = nil
	return nil
}

func (m *MemBackend) namespace(group string) (*nsEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[group]
	return ns, ok
}

func (m *MemBackend) execute(req *request.Request) request.Completion {
	cpl := request.Completion{Opcode: req.Opcode, UserPtr: req.UserPtr}

	switch req.Opcode {
	case request.OpNSCreate:
		m.mu.Lock()
		if _, exists := m.namespaces[req.Group]; exists {
			m.mu.Unlock()
			cpl.RC = 1
			cpl.Status = -errEEXIST
			return cpl
		}
		m.namespaces[req.Group] = newNSEntry()
		m.mu.Unlock()
		cpl.RC = 0
		return cpl

	case request.OpNSAttach:
		ns, ok := m.namespace(req.Group)
		if !ok {
			cpl.RC = 0
			cpl.Status = -errENOENT
			return cpl
		}
		m.mu.Lock()
		ns.refcount++
		rc := ns.refcount
		m.mu.Unlock()
		cpl.RC = int64(rc)
		return cpl

	case request.OpNSDetach:
		ns, ok := m.namespace(req.Group)
		if !ok {
			cpl.RC = 0
			cpl.Status = -errENOENT
			return cpl
		}
		m.mu.Lock()
		if ns.refcount > 0 {
			ns.refcount--
		}
		rc := ns.refcount
		m.mu.Unlock()
		if rc <= 0 {
			cpl.RC = 0
			return cpl
		}
		cpl.RC = int64(rc)
		return cpl

	case request.OpNSDelete:
		m.mu.Lock()
		ns, ok := m.namespaces[req.Group]
		if !ok {
			m.mu.Unlock()
			cpl.RC = 1
			cpl.Status = -errENOENT
			return cpl
		}
		if ns.refcount > 0 {
			m.mu.Unlock()
			cpl.RC = 1
			cpl.Status = -errEBUSY
			return cpl
		}
		delete(m.namespaces, req.Group)
		m.mu.Unlock()
		cpl.RC = 0
		return cpl

	case request.OpNSQuery:
		ns, ok := m.namespace(req.Group)
		if !ok {
			cpl.RC = 0
			cpl.Status = -errENOENT
			return cpl
		}
		m.mu.Lock()
		rc := ns.refcount
		m.mu.Unlock()
		cpl.RC = int64(rc)
		return cpl

	case request.OpNSAddUnits:
		ns, ok := m.namespace(req.Group)
		if !ok {
			cpl.RC = 1
			cpl.Status = -errENOENT
			return cpl
		}
		m.mu.Lock()
		ns.units += unitsArg(req)
		m.mu.Unlock()
		cpl.RC = 0
		return cpl

	case request.OpNSRemoveUnits:
		ns, ok := m.namespace(req.Group)
		if !ok {
			cpl.RC = 1
			cpl.Status = -errENOENT
			return cpl
		}
		count := unitsArg(req)
		m.mu.Lock()
		if count > ns.units {
			m.mu.Unlock()
			cpl.RC = 1
			cpl.Status = -errEINVAL
			return cpl
		}
		ns.units -= count
		m.mu.Unlock()
		cpl.RC = 0
		return cpl
	}

	// Key-addressed operations (PUT/GET/READ/REMOVE/DIRECTORY/ITERATOR)
	// require an attached namespace.
	ns, ok := m.namespace(req.Group)
	if !ok {
		cpl.RC = -1
		cpl.Status = -errENOTCONN
		return cpl
	}

	shard := shardFor(req.Key)

	switch req.Opcode {
	case request.OpPut:
		var payload []byte
		for _, sge := range req.SGE {
			payload = append(payload, sge.Base...)
		}
		ns.shards[shard].Lock()
		ns.data[shard][req.Key] = payload
		ns.shards[shard].Unlock()
		cpl.RC = int64(len(payload))
		return cpl

	case request.OpGet, request.OpRead:
		ns.shards[shard].RLock()
		val, exists := ns.data[shard][req.Key]
		ns.shards[shard].RUnlock()
		if !exists {
			cpl.RC = 0
			cpl.Status = -errENOENT
			return cpl
		}
		n := copyIntoSGE(req.SGE, val)
		cpl.RC = int64(len(val))
		_ = n
		return cpl

	case request.OpRemove:
		ns.shards[shard].Lock()
		_, existed := ns.data[shard][req.Key]
		delete(ns.data[shard], req.Key)
		ns.shards[shard].Unlock()
		if !existed {
			cpl.Status = -errENOENT
		}
		return cpl

	case request.OpDirectory:
		ns.shards[shard].RLock()
		keys := make([]string, 0, len(ns.data[shard]))
		for k := range ns.data[shard] {
			keys = append(keys, k)
		}
		ns.shards[shard].RUnlock()
		joined := []byte(joinKeys(keys))
		copyIntoSGE(req.SGE, joined)
		cpl.RC = int64(len(joined))
		return cpl

	default:
		cpl.RC = -1
		cpl.Status = -errENOTSUP
		return cpl
	}
}

// copyIntoSGE scatters src across dst's elements in order, returning the
// number of bytes actually written (which may be less than len(src) if
// dst is undersized — the completion engine's UBUFFER check uses rc vs
// rsize, not this return value, to detect that case).
func copyIntoSGE(dst []wire.SGE, src []byte) int {
	written := 0
	for i := range dst {
		if written >= len(src) {
			break
		}
		n := copy(dst[i].Base, src[written:])
		written += n
	}
	return written
}

func joinKeys(keys []string) string {
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += "\n"
		}
		out += k
	}
	return out
}
