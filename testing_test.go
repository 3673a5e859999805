package fship

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMockBackendInjectsPostError(t *testing.T) {
	mb := NewMockBackend()
	ns := NewNamespace("ns", mb, DefaultConfig())

	mb.SetPostErr(errors.New("boom"))
	_, code := ns.Put("k", []byte("v"))
	require.Equal(t, ErrBEPost, code)
	require.Equal(t, 1, mb.CallCounts()["post"])
}

func TestMockBackendCallCountsAndReset(t *testing.T) {
	mb := NewMockBackend()
	ns := NewNamespace("ns", mb, DefaultConfig())

	_, code := ns.Put("k", []byte("v"))
	require.Equal(t, SUCCESS, code)
	require.Equal(t, 1, mb.CallCounts()["post"])
	require.GreaterOrEqual(t, mb.CallCounts()["test_any"], 1)

	require.NoError(t, ns.Close())
	require.True(t, mb.IsClosed())

	mb.Reset()
	require.False(t, mb.IsClosed())
	require.Zero(t, mb.CallCounts()["post"])
}

func TestFakeConnPairEchoesBytes(t *testing.T) {
	a, b := NewFakeConnPair()

	msg := []byte("hello fship")
	n, err := a.Write(msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	buf := make([]byte, len(msg))
	n, err = io.ReadFull(b, buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])
}

func TestFakeConnCloseSignalsEOFToPeer(t *testing.T) {
	a, b := NewFakeConnPair()
	require.NoError(t, a.Close())

	buf := make([]byte, 4)
	_, err := b.Read(buf)
	require.Error(t, err)
}
