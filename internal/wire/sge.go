// Package wire implements the scatter-gather element (SGE) codec:
// spec.md §4.1's self-describing framing of vectored buffers, used for
// both requests and completions on the wire.
//
// Wire format (ASCII header, binary payload):
//
//	<total_len>\n<count>\n<len_0>\n...<len_{n-1}>\n<bytes_0>\n...<bytes_{n-1}>\n\0
//
// total_len equals the sum of the element lengths. Each payload region is
// followed by a single '\n' separator that is not counted in its element's
// length; the whole frame is terminated by a trailing '\0'.
package wire

import (
	"bytes"
	"strconv"
	"syscall"
)

// MaxElements bounds the number of elements a single SGE list may carry
// (spec.md §3: SGE_MAX).
const MaxElements = 256

// minHeaderSpace is the sanity floor below which extract_header refuses to
// even attempt a parse ("0\n0\n").
const minHeaderSpace = 4

// SGE is one scatter-gather element: an ordered (base, length) pair.
// Base may be nil with only Len populated (the state ExtractHeader leaves
// elements in before Deserialize fills in the payload pointers).
type SGE struct {
	Base []byte
	Len  int
}

var errIncomplete = syscall.EAGAIN

// Serialize writes S into buf in the wire format above and returns the
// number of bytes written, excluding the trailing '\0'.
//
// Fails with EINVAL on a nil list or a count outside [1, MaxElements];
// EBADMSG if any element's Len disagrees with len(Base); E2BIG if buf is
// exhausted before the terminator is written.
func Serialize(sges []SGE, buf []byte) (int, error) {
	if sges == nil {
		return 0, syscall.EINVAL
	}
	n := len(sges)
	if n < 1 || n > MaxElements {
		return 0, syscall.EINVAL
	}

	total := 0
	for _, s := range sges {
		if s.Len != len(s.Base) {
			return 0, syscall.EBADMSG
		}
		total += s.Len
	}

	var hdr bytes.Buffer
	hdr.WriteString(strconv.Itoa(total))
	hdr.WriteByte('\n')
	hdr.WriteString(strconv.Itoa(n))
	hdr.WriteByte('\n')
	for _, s := range sges {
		hdr.WriteString(strconv.Itoa(s.Len))
		hdr.WriteByte('\n')
	}

	// header + payload bytes + one '\n' per element + the trailing '\0'.
	need := hdr.Len() + total + n + 1
	if need > len(buf) {
		return 0, syscall.E2BIG
	}

	off := copy(buf, hdr.Bytes())
	for _, s := range sges {
		c := copy(buf[off:], s.Base)
		if c != s.Len {
			return 0, syscall.EBADMSG
		}
		off += c
		buf[off] = '\n'
		off++
	}
	written := off
	buf[off] = 0
	return written, nil
}

// ExtractHeader parses the header of a (possibly partial) serialized
// buffer. It re-parses from the beginning of data every time it is
// called, so it is idempotent across retries on identical prefixes: a
// streaming receiver calls it again after every recv without additional
// bookkeeping.
//
// If sgeIn is nil, ExtractHeader allocates n fresh elements; otherwise it
// reuses sgeIn, requiring sgeCountIn >= n (E2BIG otherwise). A nil sgeIn
// with a nonzero sgeCountIn is a contradictory argument (EINVAL).
//
// Returns EAGAIN if data holds a well-formed prefix but not enough bytes
// for all length lines yet. Returns EBADMSG on malformed numerics,
// negative values, an inconsistent total_len, or a count outside
// [1, MaxElements]. Returns E2BIG if sgeIn's capacity can't hold n
// elements.
func ExtractHeader(sgeIn []SGE, sgeCountIn int, data []byte) (sges []SGE, parsedBytes int, err error) {
	if sgeIn == nil && sgeCountIn != 0 {
		return nil, 0, syscall.EINVAL
	}
	if len(data) < minHeaderSpace {
		return nil, 0, syscall.EAGAIN
	}

	pos := 0

	totalLen, pos, err := parseLine(data, pos)
	if err != nil {
		return nil, 0, err
	}

	count, pos, err := parseLine(data, pos)
	if err != nil {
		return nil, 0, err
	}
	if count < 1 || count > MaxElements {
		return nil, 0, syscall.EBADMSG
	}
	n := int(count)

	if sgeIn == nil {
		sges = make([]SGE, n)
	} else {
		if sgeCountIn < n {
			return nil, 0, syscall.E2BIG
		}
		sges = sgeIn[:n]
	}

	sum := int64(0)
	for i := 0; i < n; i++ {
		var l int64
		l, pos, err = parseLine(data, pos)
		if err != nil {
			return nil, 0, err
		}
		sges[i] = SGE{Len: int(l)}
		sum += l
	}
	if sum != totalLen {
		return nil, 0, syscall.EBADMSG
	}

	return sges, pos, nil
}

// Deserialize extracts the header via ExtractHeader and then, without
// copying, points each element's Base directly into data at the
// appropriate offset, writing a '\0' just past each element (over the
// wire format's separator byte) so the payload can be treated as a NUL
// terminated C string. data must therefore be writable and must outlive
// the returned SGE list.
//
// Returns the total payload length on success, or E2BIG if data runs out
// before a payload (or its terminator byte) is fully present.
func Deserialize(sgeIn []SGE, sgeCountIn int, data []byte) (sges []SGE, total int, err error) {
	sges, pos, err := ExtractHeader(sgeIn, sgeCountIn, data)
	if err != nil {
		return nil, 0, err
	}

	for i := range sges {
		l := sges[i].Len
		if pos+l >= len(data) {
			return nil, 0, syscall.E2BIG
		}
		sges[i].Base = data[pos : pos+l : pos+l]
		data[pos+l] = 0
		pos += l + 1
		total += l
	}
	return sges, total, nil
}

// parseLine reads the base-10 integer terminated by the next '\n' at or
// after pos. It returns errIncomplete (EAGAIN) if data has no '\n' at or
// after pos yet.
func parseLine(data []byte, pos int) (value int64, next int, err error) {
	idx := bytes.IndexByte(data[pos:], '\n')
	if idx < 0 {
		return 0, 0, errIncomplete
	}
	line := data[pos : pos+idx]
	if len(line) == 0 {
		return 0, 0, syscall.EBADMSG
	}
	v, convErr := strconv.ParseInt(string(line), 10, 64)
	if convErr != nil || v < 0 {
		return 0, 0, syscall.EBADMSG
	}
	return v, pos + idx + 1, nil
}
