// Package protocol implements the forwarding server's outer wire framing
// (spec.md §4.6/§6): a request on the wire encodes
// (opcode, group, ns_handle, key, match, flags, user_ptr, sge) and a
// completion encodes (opcode, rc, status, sge-payload-if-any). Both ride
// on internal/wire's SGE codec: element 0 of the SGE list is a small
// binary header, and any remaining elements are the caller's payload
// (PUT's value, GET's destination buffer, and so on).
//
// The exact header layout is this server's own concern, per spec.md §6
// ("its exact field layout is backend-defined and echoed back in
// completions").
package protocol

import (
	"bytes"
	"encoding/binary"
	"syscall"

	"github.com/databroker/fship/internal/request"
	"github.com/databroker/fship/internal/wire"
)

// UserPtrMaxLength bounds the opaque client correlation handle carried in
// a request header.
const UserPtrMaxLength = 64

// RequestHeader is the fixed-layout prefix of a wire request.
type RequestHeader struct {
	Opcode   request.Opcode
	Flags    request.Flags
	NSHandle uint64
	Group    string
	Key      string
	Match    string
	UserPtr  []byte
}

// CompletionHeader is the fixed-layout prefix of a wire completion.
type CompletionHeader struct {
	Opcode  request.Opcode
	RC      int64
	Status  int32
	UserPtr []byte
}

// EncodeRequest serializes hdr and payload into buf, returning the number
// of bytes written (excluding the frame's trailing nul, matching
// wire.Serialize's own convention).
func EncodeRequest(hdr RequestHeader, payload []wire.SGE, buf []byte) (int, error) {
	if len(hdr.UserPtr) > UserPtrMaxLength {
		return 0, syscall.EINVAL
	}
	h := encodeRequestHeader(hdr)
	sges := make([]wire.SGE, 0, len(payload)+1)
	sges = append(sges, wire.SGE{Base: h, Len: len(h)})
	sges = append(sges, payload...)
	return wire.Serialize(sges, buf)
}

// DecodeRequest parses one request frame from the front of data. Returns
// EAGAIN if data holds a well-formed but incomplete prefix, mirroring
// wire.ExtractHeader's streaming contract: the caller re-invokes
// DecodeRequest on the same buffer after each additional recv.
func DecodeRequest(data []byte) (RequestHeader, []wire.SGE, int, error) {
	sges, frameLen, err := deserializeFrame(data)
	if err != nil {
		return RequestHeader{}, nil, 0, err
	}
	hdr, err := decodeRequestHeader(sges[0].Base)
	if err != nil {
		return RequestHeader{}, nil, 0, err
	}
	return hdr, sges[1:], frameLen, nil
}

// EncodeCompletion serializes hdr and any sge payload into buf.
func EncodeCompletion(hdr CompletionHeader, payload []wire.SGE, buf []byte) (int, error) {
	if len(hdr.UserPtr) > UserPtrMaxLength {
		return 0, syscall.EINVAL
	}
	h := encodeCompletionHeader(hdr)
	sges := make([]wire.SGE, 0, len(payload)+1)
	sges = append(sges, wire.SGE{Base: h, Len: len(h)})
	sges = append(sges, payload...)
	return wire.Serialize(sges, buf)
}

// DecodeCompletion parses one completion frame from the front of data.
func DecodeCompletion(data []byte) (CompletionHeader, []wire.SGE, int, error) {
	sges, frameLen, err := deserializeFrame(data)
	if err != nil {
		return CompletionHeader{}, nil, 0, err
	}
	hdr, err := decodeCompletionHeader(sges[0].Base)
	if err != nil {
		return CompletionHeader{}, nil, 0, err
	}
	return hdr, sges[1:], frameLen, nil
}

// deserializeFrame is wire.Deserialize plus the on-wire frame length that
// function doesn't surface: a streaming reader needs to know how many
// bytes to Consume from its arena once a full frame is in hand. Unlike
// wire.Deserialize, a frame whose payload or trailing '\0' is not yet
// fully buffered is reported as EAGAIN.
func deserializeFrame(data []byte) ([]wire.SGE, int, error) {
	sges, pos, err := wire.ExtractHeader(nil, 0, data)
	if err != nil {
		return nil, 0, err
	}
	if len(sges) == 0 {
		return nil, 0, syscall.EBADMSG
	}

	for i := range sges {
		l := sges[i].Len
		if pos+l >= len(data) {
			return nil, 0, syscall.EAGAIN
		}
		sges[i].Base = data[pos : pos+l : pos+l]
		data[pos+l] = 0
		pos += l + 1
	}
	if pos >= len(data) {
		return nil, 0, syscall.EAGAIN
	}
	return sges, pos + 1, nil
}

func encodeRequestHeader(hdr RequestHeader) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.BigEndian, uint32(hdr.Opcode))
	binary.Write(&b, binary.BigEndian, uint32(hdr.Flags))
	binary.Write(&b, binary.BigEndian, hdr.NSHandle)
	writeString(&b, hdr.Group)
	writeString(&b, hdr.Key)
	writeString(&b, hdr.Match)
	writeBytes(&b, hdr.UserPtr)
	return b.Bytes()
}

func decodeRequestHeader(data []byte) (RequestHeader, error) {
	r := bytes.NewReader(data)
	var hdr RequestHeader
	var opcode, flags uint32
	if err := binary.Read(r, binary.BigEndian, &opcode); err != nil {
		return RequestHeader{}, syscall.EBADMSG
	}
	if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
		return RequestHeader{}, syscall.EBADMSG
	}
	if err := binary.Read(r, binary.BigEndian, &hdr.NSHandle); err != nil {
		return RequestHeader{}, syscall.EBADMSG
	}
	hdr.Opcode = request.Opcode(opcode)
	hdr.Flags = request.Flags(flags)

	var err error
	if hdr.Group, err = readString(r); err != nil {
		return RequestHeader{}, err
	}
	if hdr.Key, err = readString(r); err != nil {
		return RequestHeader{}, err
	}
	if hdr.Match, err = readString(r); err != nil {
		return RequestHeader{}, err
	}
	if hdr.UserPtr, err = readBytes(r); err != nil {
		return RequestHeader{}, err
	}
	return hdr, nil
}

func encodeCompletionHeader(hdr CompletionHeader) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.BigEndian, uint32(hdr.Opcode))
	binary.Write(&b, binary.BigEndian, hdr.RC)
	binary.Write(&b, binary.BigEndian, hdr.Status)
	writeBytes(&b, hdr.UserPtr)
	return b.Bytes()
}

func decodeCompletionHeader(data []byte) (CompletionHeader, error) {
	r := bytes.NewReader(data)
	var hdr CompletionHeader
	var opcode uint32
	if err := binary.Read(r, binary.BigEndian, &opcode); err != nil {
		return CompletionHeader{}, syscall.EBADMSG
	}
	if err := binary.Read(r, binary.BigEndian, &hdr.RC); err != nil {
		return CompletionHeader{}, syscall.EBADMSG
	}
	if err := binary.Read(r, binary.BigEndian, &hdr.Status); err != nil {
		return CompletionHeader{}, syscall.EBADMSG
	}
	hdr.Opcode = request.Opcode(opcode)

	var err error
	if hdr.UserPtr, err = readBytes(r); err != nil {
		return CompletionHeader{}, err
	}
	return hdr, nil
}

func writeString(b *bytes.Buffer, s string) {
	writeBytes(b, []byte(s))
}

func writeBytes(b *bytes.Buffer, p []byte) {
	binary.Write(b, binary.BigEndian, uint32(len(p)))
	b.Write(p)
}

func readString(r *bytes.Reader) (string, error) {
	p, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, syscall.EBADMSG
	}
	if int(n) > r.Len() {
		return nil, syscall.EBADMSG
	}
	p := make([]byte, n)
	if _, err := r.Read(p); err != nil {
		return nil, syscall.EBADMSG
	}
	return p, nil
}
