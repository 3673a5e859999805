// Package namespace implements the tag pool and pending table a fship
// namespace owns (spec.md §4.4): a bounded integer tag allocator and a
// tag -> request context map that the completion engine drains.
package namespace

import (
	"sync"

	"github.com/databroker/fship/internal/request"
)

// TagError is the sentinel tag returned when the pool is exhausted.
const TagError = -1

// TagPool allocates tags over the bounded domain [0, size). Safe for
// concurrent use.
type TagPool struct {
	mu       sync.Mutex
	free     []int
	inUse    map[int]bool
	size     int
}

// NewTagPool returns a pool that can hand out size distinct tags.
func NewTagPool(size int) *TagPool {
	free := make([]int, size)
	for i := range free {
		free[i] = size - 1 - i // LIFO reuse order, arbitrary but stable
	}
	return &TagPool{
		free:  free,
		inUse: make(map[int]bool, size),
		size:  size,
	}
}

// Acquire returns an unused tag, or TagError if the pool is exhausted.
func (p *TagPool) Acquire() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return TagError
	}
	tag := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[tag] = true
	return tag
}

// Release returns tag to the pool. Releasing a tag not currently in use
// is a no-op.
func (p *TagPool) Release(tag int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inUse[tag] {
		return
	}
	delete(p.inUse, tag)
	p.free = append(p.free, tag)
}

// Size returns the pool's total tag domain.
func (p *TagPool) Size() int {
	return p.size
}

// PendingTable maps outstanding tags to their request context. Keys are
// unique; insertion order is not significant (spec.md §4.4).
type PendingTable struct {
	mu    sync.RWMutex
	table map[int]*request.Ctx
}

// NewPendingTable returns an empty pending table.
func NewPendingTable() *PendingTable {
	return &PendingTable{table: make(map[int]*request.Ctx)}
}

// Insert records ctx under tag. Returns false if tag is already present
// (the caller should treat this as a logic bug: a tag must be released
// before the pool reissues it).
func (t *PendingTable) Insert(tag int, ctx *request.Ctx) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.table[tag]; exists {
		return false
	}
	t.table[tag] = ctx
	return true
}

// Get returns the context for tag, or (nil, false) if absent.
func (t *PendingTable) Get(tag int) (*request.Ctx, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ctx, ok := t.table[tag]
	return ctx, ok
}

// Remove deletes tag's entry, if present.
func (t *PendingTable) Remove(tag int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.table, tag)
}

// Len reports the number of outstanding entries.
func (t *PendingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.table)
}

// Keys returns a snapshot of the currently pending tags (test/debug use,
// and the §8 tag-uniqueness invariant check).
func (t *PendingTable) Keys() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]int, 0, len(t.table))
	for k := range t.table {
		keys = append(keys, k)
	}
	return keys
}
