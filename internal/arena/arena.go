// Package arena implements the transport SR (single-producer,
// single-consumer) buffer of spec.md §4.6/glossary: a byte region with
// an append cursor (where the reader writes newly recv'd bytes) and a
// processed cursor (how far the deserializer has consumed), compacted
// back to zero only when fully drained.
package arena

import (
	"syscall"

	"github.com/databroker/fship/internal/queue"
)

// Arena is a single-producer/single-consumer byte buffer. AppendPos and
// ProcessedPos satisfy ProcessedPos <= AppendPos <= len(buf) at all
// times (spec.md §8's arena-safety invariant).
type Arena struct {
	buf          []byte
	appendPos    int
	processedPos int
	pooled       bool
}

// New returns an arena with the given byte capacity, freshly allocated.
func New(capacity int) *Arena {
	return &Arena{buf: make([]byte, capacity)}
}

// NewPooled returns an arena backed by a buffer drawn from the shared
// size-bucketed pool, for connection arenas a server churns through
// frequently (one per accepted connection, released on disconnect)
// rather than a one-off codec buffer. Release returns the buffer to
// the pool; calling New's result through Release is a no-op.
func NewPooled(capacity int) *Arena {
	return &Arena{buf: queue.GetBuffer(uint32(capacity)), pooled: true}
}

// Release returns a pooled arena's buffer to the shared pool. Safe to
// call on an arena created with New (no-op).
func (a *Arena) Release() {
	if !a.pooled {
		return
	}
	queue.PutBuffer(a.buf)
	a.buf = nil
	a.appendPos = 0
	a.processedPos = 0
	a.pooled = false
}

// Remaining returns the number of bytes free for appending before the
// arena is full (prior to any compaction).
func (a *Arena) Remaining() int {
	return len(a.buf) - a.appendPos
}

// AppendSlice returns the writable region a reader should recv into:
// buf[appendPos:]. The caller advances the cursor via Advance once bytes
// are actually written.
func (a *Arena) AppendSlice() []byte {
	return a.buf[a.appendPos:]
}

// Advance moves the append cursor forward by n bytes just written into
// AppendSlice. Fails E2BIG if n would run past capacity.
func (a *Arena) Advance(n int) error {
	if a.appendPos+n > len(a.buf) {
		return syscall.E2BIG
	}
	a.appendPos += n
	return nil
}

// Unprocessed returns the region between processedPos and appendPos: the
// bytes a deserializer has not yet consumed.
func (a *Arena) Unprocessed() []byte {
	return a.buf[a.processedPos:a.appendPos]
}

// Consume advances the processed cursor by n bytes (spec.md §8: "after a
// successful consume of k bytes, append_pos - processed_pos decreases by
// k"). Fails EINVAL if n would run past appendPos. Compacts back to a
// zeroed arena when fully drained.
func (a *Arena) Consume(n int) error {
	if a.processedPos+n > a.appendPos {
		return syscall.EINVAL
	}
	a.processedPos += n
	if a.processedPos == a.appendPos {
		a.processedPos = 0
		a.appendPos = 0
	}
	return nil
}

// Compact shifts the trailing unprocessed bytes to the front of the arena
// without waiting for a full drain, for use when the arena is close to
// full but still holds an in-flight partial frame. It does nothing when
// no bytes have been processed.
func (a *Arena) Compact() {
	if a.processedPos == 0 {
		return
	}
	n := copy(a.buf, a.Unprocessed())
	a.appendPos = n
	a.processedPos = 0
}

// Len returns the arena's total byte capacity.
func (a *Arena) Len() int {
	return len(a.buf)
}

// AppendPos returns the current append cursor (test/debug use).
func (a *Arena) AppendPos() int { return a.appendPos }

// ProcessedPos returns the current processed cursor (test/debug use).
func (a *Arena) ProcessedPos() int { return a.processedPos }
