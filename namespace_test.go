package fship

import (
	"testing"

	"github.com/databroker/fship/backend"
	"github.com/stretchr/testify/require"
)

func newTestNamespace(t *testing.T, name string) *Namespace {
	t.Helper()
	be := backend.NewMemBackend()
	ns := NewNamespace(name, be, DefaultConfig())
	require.Equal(t, SUCCESS, ns.NSCreate())
	rc, code := ns.NSAttach()
	require.Equal(t, SUCCESS, code)
	require.EqualValues(t, 1, rc)
	return ns
}

func TestNamespacePutGetRoundTrip(t *testing.T) {
	ns := newTestNamespace(t, "widgets")
	defer ns.Close()

	payload := []byte("hello world")
	rc, code := ns.Put("k1", payload)
	require.Equal(t, SUCCESS, code)
	require.EqualValues(t, len(payload), rc)

	buf := make([]byte, 64)
	rc, code = ns.Get("k1", buf, FlagsNone)
	require.Equal(t, SUCCESS, code)
	require.EqualValues(t, len(payload), rc)
	require.Equal(t, payload, buf[:rc])
}

func TestNamespaceGetMissingKeyReturnsUnavail(t *testing.T) {
	ns := newTestNamespace(t, "widgets")
	defer ns.Close()

	_, code := ns.Get("missing", make([]byte, 16), FlagsNone)
	require.Equal(t, ErrUnavail, code)
}

func TestNamespaceRemove(t *testing.T) {
	ns := newTestNamespace(t, "widgets")
	defer ns.Close()

	_, code := ns.Put("k1", []byte("x"))
	require.Equal(t, SUCCESS, code)

	require.Equal(t, SUCCESS, ns.Remove("k1"))
	require.Equal(t, ErrUnavail, ns.Remove("k1"))
}

func TestNamespaceAttachDetachRefCount(t *testing.T) {
	ns := newTestNamespace(t, "widgets")
	defer ns.Close()
	require.EqualValues(t, 1, ns.RefCount())

	rc, code := ns.NSAttach()
	require.Equal(t, SUCCESS, code)
	require.EqualValues(t, 2, rc)
	require.EqualValues(t, 2, ns.RefCount())

	rc, code = ns.NSDetach()
	require.Equal(t, SUCCESS, code)
	require.EqualValues(t, 1, rc)
}

func TestNamespaceDeleteRefusesWhileAttached(t *testing.T) {
	ns := newTestNamespace(t, "widgets")
	defer ns.Close()

	code := ns.NSDelete()
	require.Equal(t, ErrBEGeneral, code)

	_, code = ns.NSDetach()
	require.Equal(t, SUCCESS, code)

	require.Equal(t, SUCCESS, ns.NSDelete())
}

func TestNamespaceMoveUnsupported(t *testing.T) {
	ns := newTestNamespace(t, "widgets")
	defer ns.Close()

	require.Equal(t, ErrNotImpl, ns.Move("a", "b"))
}

func TestNamespaceTagsReleasedAfterCompletion(t *testing.T) {
	ns := newTestNamespace(t, "widgets")
	defer ns.Close()

	for i := 0; i < 2*ns.tags.Size(); i++ {
		_, code := ns.Put("k", []byte("v"))
		require.Equal(t, SUCCESS, code)
	}
	require.Zero(t, ns.pending.Len())
}
