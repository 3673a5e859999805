package protocol

import (
	"syscall"
	"testing"

	"github.com/databroker/fship/internal/request"
	"github.com/databroker/fship/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	hdr := RequestHeader{
		Opcode:   request.OpPut,
		Flags:    request.FlagsPartial,
		NSHandle: 7,
		Group:    "widgets",
		Key:      "k1",
		Match:    "",
		UserPtr:  []byte{1, 2, 3, 4},
	}
	payload := []byte("hello world")
	buf := make([]byte, 256)

	n, err := EncodeRequest(hdr, []wire.SGE{{Base: payload, Len: len(payload)}}, buf)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	got, sge, frameLen, err := DecodeRequest(buf)
	require.NoError(t, err)
	require.Equal(t, hdr.Opcode, got.Opcode)
	require.Equal(t, hdr.Flags, got.Flags)
	require.Equal(t, hdr.NSHandle, got.NSHandle)
	require.Equal(t, hdr.Group, got.Group)
	require.Equal(t, hdr.Key, got.Key)
	require.Equal(t, hdr.UserPtr, got.UserPtr)
	require.Len(t, sge, 1)
	require.Equal(t, payload, sge[0].Base)
	require.Equal(t, n+1, frameLen)
}

func TestDecodeRequestIncompleteReturnsEAGAIN(t *testing.T) {
	hdr := RequestHeader{Opcode: request.OpGet, Key: "k"}
	buf := make([]byte, 256)
	n, err := EncodeRequest(hdr, nil, buf)
	require.NoError(t, err)

	_, _, _, err = DecodeRequest(buf[:n-5])
	require.ErrorIs(t, err, syscall.EAGAIN)
}

func TestDecodeRequestStreamedAcrossTwoRecvs(t *testing.T) {
	hdr := RequestHeader{Opcode: request.OpPut, Key: "k", UserPtr: []byte("tag-1")}
	payload := []byte("payload-bytes")
	buf := make([]byte, 256)
	n, err := EncodeRequest(hdr, []wire.SGE{{Base: payload, Len: len(payload)}}, buf)
	require.NoError(t, err)

	split := n / 2
	_, _, _, err = DecodeRequest(buf[:split])
	require.ErrorIs(t, err, syscall.EAGAIN)

	got, sge, frameLen, err := DecodeRequest(buf[:n+1])
	require.NoError(t, err)
	require.Equal(t, hdr.Key, got.Key)
	require.Equal(t, payload, sge[0].Base)
	require.Equal(t, n+1, frameLen)
}

func TestCompletionRoundTrip(t *testing.T) {
	hdr := CompletionHeader{
		Opcode:  request.OpGet,
		RC:      42,
		Status:  0,
		UserPtr: []byte{9, 9},
	}
	value := []byte("the value")
	buf := make([]byte, 256)

	n, err := EncodeCompletion(hdr, []wire.SGE{{Base: value, Len: len(value)}}, buf)
	require.NoError(t, err)

	got, sge, frameLen, err := DecodeCompletion(buf)
	require.NoError(t, err)
	require.Equal(t, hdr, got)
	require.Equal(t, value, sge[0].Base)
	require.Equal(t, n+1, frameLen)
}

func TestEncodeRequestRejectsOversizedUserPtr(t *testing.T) {
	hdr := RequestHeader{UserPtr: make([]byte, UserPtrMaxLength+1)}
	buf := make([]byte, 256)
	_, err := EncodeRequest(hdr, nil, buf)
	require.ErrorIs(t, err, syscall.EINVAL)
}
