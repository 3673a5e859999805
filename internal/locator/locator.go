// Package locator implements the locator connection list of spec.md §4.2:
// an ordered, dedup'd membership list of connection indices for a routing
// bucket. Callers (the forwarding server's per-group attach table)
// hold whatever lock the usage requires; this package assumes
// single-producer, multi-reader semantics and does not lock internally.
package locator

import (
	"syscall"

	"github.com/databroker/fship/internal/constants"
)

// Invalid is the sentinel returned by GetFirst on an empty list and used
// to pad freshly grown tail slots.
const Invalid = -1

// List is an ordered, dedup'd membership list of connection indices.
// The zero value is not usable; construct with New.
type List struct {
	entries []int
	active  int
}

// New returns an empty list with a zero-length backing array; the first
// Append grows it to constants.ConnListGranularity.
func New() *List {
	return &List{}
}

// Append adds idx to the list. Fails EINVAL if idx is negative or exceeds
// constants.MaxConnections, EALREADY if idx is already present. Grows
// capacity by constants.ConnListGranularity before placing idx at
// entries[active] when the backing array is full ("grow then place",
// spec.md §9 — the original grows by writing into entries[capacity]
// first, which is an out-of-bounds write this implementation avoids).
func (l *List) Append(idx int) error {
	if idx < 0 || idx > constants.MaxConnections {
		return syscall.EINVAL
	}
	for i := 0; i < l.active; i++ {
		if l.entries[i] == idx {
			return syscall.EALREADY
		}
	}
	if l.active == len(l.entries) {
		l.grow()
	}
	l.entries[l.active] = idx
	l.active++
	return nil
}

// grow extends the backing array by constants.ConnListGranularity slots,
// initialized to Invalid.
func (l *List) grow() {
	next := make([]int, len(l.entries)+constants.ConnListGranularity)
	copy(next, l.entries)
	for i := len(l.entries); i < len(next); i++ {
		next[i] = Invalid
	}
	l.entries = next
}

// Remove scans for idx and, on a match, shifts the tail left by one.
// Returns ENOENT if idx is not present.
func (l *List) Remove(idx int) error {
	for i := 0; i < l.active; i++ {
		if l.entries[i] != idx {
			continue
		}
		copy(l.entries[i:l.active-1], l.entries[i+1:l.active])
		l.entries[l.active-1] = Invalid
		l.active--
		return nil
	}
	return syscall.ENOENT
}

// GetFirst returns entries[0], or Invalid if the list is empty.
func (l *List) GetFirst() int {
	if l.active == 0 {
		return Invalid
	}
	return l.entries[0]
}

// GetActive returns the number of live entries.
func (l *List) GetActive() int {
	return l.active
}

// GetSize returns the backing array's capacity.
func (l *List) GetSize() int {
	return len(l.entries)
}

// Reset clears membership without releasing the backing array.
func (l *List) Reset() {
	for i := 0; i < l.active; i++ {
		l.entries[i] = Invalid
	}
	l.active = 0
}

// Destroy releases the backing array. The list must not be used again.
func (l *List) Destroy() {
	l.entries = nil
	l.active = 0
}
