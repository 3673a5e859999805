package fship

import (
	"net"
	"sync"
	"time"

	"github.com/databroker/fship/internal/interfaces"
	"github.com/databroker/fship/internal/request"
)

var _ interfaces.Backend = (*MockBackend)(nil)

// MockBackend is a Backend test double that tracks call counts and lets
// tests inject failures on Post/TestAny/Cancel, for exercising the
// ERR_BE_POST/ERR_BE_PROTO/ERR_BE_GENERAL paths without a real storage
// provider. Call-count tracking, a Reset method, and a compile-time
// interface check are all reshaped from a ReadAt/WriteAt contract to
// Post/TestAny/Cancel/Exit.
type MockBackend struct {
	mu sync.Mutex

	postCalls    int
	testAnyCalls int
	cancelCalls  int
	exitCalls    int

	postErr    error
	testAnyErr error
	cancelErr  error

	pending []request.Completion
	closed  bool
}

// NewMockBackend returns an empty mock backend.
func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

// Post records the call and, unless PostErr has been set, queues a
// success completion immediately (synchronous, like MemBackend) whose RC
// is the request's total SGE length and which echoes the request's
// UserPtr.
func (m *MockBackend) Post(req *request.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postCalls++
	if m.postErr != nil {
		return m.postErr
	}
	m.pending = append(m.pending, request.Completion{Opcode: req.Opcode, RC: req.RSize(), UserPtr: req.UserPtr})
	return nil
}

// TestAny returns the oldest queued completion, or the injected error.
func (m *MockBackend) TestAny() (*request.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.testAnyCalls++
	if m.testAnyErr != nil {
		return nil, m.testAnyErr
	}
	if len(m.pending) == 0 {
		return nil, nil
	}
	cpl := m.pending[0]
	m.pending = m.pending[1:]
	return &cpl, nil
}

// Cancel records the call and returns the injected error, if any.
func (m *MockBackend) Cancel(req *request.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls++
	return m.cancelErr
}

// Exit marks the backend closed.
func (m *MockBackend) Exit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exitCalls++
	m.closed = true
	return nil
}

// SetPostErr makes every future Post call fail with err.
func (m *MockBackend) SetPostErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postErr = err
}

// SetTestAnyErr makes every future TestAny call fail with err.
func (m *MockBackend) SetTestAnyErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.testAnyErr = err
}

// SetCancelErr makes every future Cancel call fail with err.
func (m *MockBackend) SetCancelErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelErr = err
}

// Complete manually injects a completion, for tests that want to drive
// out-of-order completion dispatch directly rather than via Post's
// auto-completion.
func (m *MockBackend) Complete(cpl request.Completion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, cpl)
}

// CallCounts returns how many times each method has been invoked.
func (m *MockBackend) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"post":     m.postCalls,
		"test_any": m.testAnyCalls,
		"cancel":   m.cancelCalls,
		"exit":     m.exitCalls,
	}
}

// IsClosed reports whether Exit has been called.
func (m *MockBackend) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Reset clears call counters, injected errors, and queued completions.
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postCalls, m.testAnyCalls, m.cancelCalls, m.exitCalls = 0, 0, 0, 0
	m.postErr, m.testAnyErr, m.cancelErr = nil, nil, nil
	m.pending = nil
	m.closed = false
}

// FakeConn is an in-process net.Conn pair, for exercising the forwarding
// server's recv/send loop without a real socket. NewFakeConnPair returns
// the two ends of one pipe, each satisfying net.Conn.
type FakeConn struct {
	r          *fakeConnHalf
	w          *fakeConnHalf
	localAddr  net.Addr
	remoteAddr net.Addr
}

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// NewFakeConnPair returns two connected FakeConns: bytes written to one
// are read from the other, and vice versa.
func NewFakeConnPair() (*FakeConn, *FakeConn) {
	aToB := newFakeConnHalf()
	bToA := newFakeConnHalf()

	a := &FakeConn{r: bToA, w: aToB, localAddr: fakeAddr("a"), remoteAddr: fakeAddr("b")}
	b := &FakeConn{r: aToB, w: bToA, localAddr: fakeAddr("b"), remoteAddr: fakeAddr("a")}
	return a, b
}

func (c *FakeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *FakeConn) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *FakeConn) Close() error {
	c.w.closeWrite()
	return nil
}
func (c *FakeConn) LocalAddr() net.Addr                { return c.localAddr }
func (c *FakeConn) RemoteAddr() net.Addr               { return c.remoteAddr }
func (c *FakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *FakeConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *FakeConn) SetWriteDeadline(t time.Time) error  { return nil }

var _ net.Conn = (*FakeConn)(nil)

// fakeConnHalf is a one-directional byte pipe with a close signal, since
// net.Pipe's synchronous (unbuffered, lockstep) semantics don't match a
// real socket closely enough for the server's partial-write/EAGAIN paths.
type fakeConnHalf struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newFakeConnHalf() *fakeConnHalf {
	h := &fakeConnHalf{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *fakeConnHalf) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, net.ErrClosed
	}
	h.buf = append(h.buf, p...)
	h.cond.Broadcast()
	return len(p), nil
}

func (h *fakeConnHalf) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for len(h.buf) == 0 && !h.closed {
		h.cond.Wait()
	}
	if len(h.buf) == 0 && h.closed {
		return 0, net.ErrClosed
	}
	n := copy(p, h.buf)
	h.buf = h.buf[n:]
	return n, nil
}

func (h *fakeConnHalf) closeWrite() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.cond.Broadcast()
}
