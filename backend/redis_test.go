package backend

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/databroker/fship/internal/request"
	"github.com/databroker/fship/internal/wire"
	"github.com/stretchr/testify/require"
)

// fakeRedisServer accepts one connection and answers SET with +OK, GET
// with the last value stored for that key (or a nil bulk string), and
// DEL with an integer reply, enough to exercise RedisBackend's pipeline
// and reply-decoding paths without a real Redis server.
func fakeRedisServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	store := make(map[string]string)
	done := make(chan struct{})

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)

		for {
			select {
			case <-done:
				return
			default:
			}
			args, err := readRESPCommand(r)
			if err != nil {
				return
			}
			if len(args) == 0 {
				continue
			}
			switch args[0] {
			case "SET":
				store[args[1]] = args[2]
				w.WriteString("+OK\r\n")
			case "GET":
				v, ok := store[args[1]]
				if !ok {
					w.WriteString("$-1\r\n")
				} else {
					fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
				}
			case "DEL":
				n := 0
				if _, ok := store[args[1]]; ok {
					delete(store, args[1])
					n = 1
				}
				fmt.Fprintf(w, ":%d\r\n", n)
			case "KEYS":
				w.WriteString("*0\r\n")
			default:
				w.WriteString("-ERR unknown command\r\n")
			}
			w.Flush()
		}
	}()

	return ln.Addr().String(), func() { close(done); ln.Close() }
}

func readRESPCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 3 || line[0] != '*' {
		return nil, fmt.Errorf("bad command header %q", line)
	}
	var n int
	fmt.Sscanf(line[1:], "%d", &n)
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lenLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		var blen int
		fmt.Sscanf(lenLine[1:], "%d", &blen)
		buf := make([]byte, blen+2)
		if _, err := readFull(r, buf); err != nil {
			return nil, err
		}
		out = append(out, string(buf[:blen]))
	}
	return out, nil
}

func drainRedis(t *testing.T, rb *RedisBackend) *request.Completion {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cpl, err := rb.TestAny()
		require.NoError(t, err)
		if cpl != nil {
			return cpl
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no completion arrived")
	return nil
}

func TestRedisBackendPutGet(t *testing.T) {
	addr, stop := fakeRedisServer(t)
	defer stop()

	rb, err := DialRedisBackend(addr, time.Second)
	require.NoError(t, err)
	defer rb.Exit()

	payload := []byte("hello")
	require.NoError(t, rb.Post(&request.Request{
		Opcode: request.OpPut,
		Group:  "ns",
		Key:    "k1",
		SGE:    []wire.SGE{{Base: payload, Len: len(payload)}},
	}))
	cpl := drainRedis(t, rb)
	require.Zero(t, cpl.Status)
	require.EqualValues(t, len(payload), cpl.RC)

	buf := make([]byte, 32)
	require.NoError(t, rb.Post(&request.Request{
		Opcode: request.OpGet,
		Group:  "ns",
		Key:    "k1",
		SGE:    []wire.SGE{{Base: buf, Len: len(buf)}},
	}))
	cpl = drainRedis(t, rb)
	require.Zero(t, cpl.Status)
	require.EqualValues(t, len(payload), cpl.RC)
	require.Equal(t, payload, buf[:len(payload)])
}

func TestRedisBackendGetMissingKey(t *testing.T) {
	addr, stop := fakeRedisServer(t)
	defer stop()

	rb, err := DialRedisBackend(addr, time.Second)
	require.NoError(t, err)
	defer rb.Exit()

	require.NoError(t, rb.Post(&request.Request{Opcode: request.OpGet, Group: "ns", Key: "missing"}))
	cpl := drainRedis(t, rb)
	require.NotZero(t, cpl.Status)
}

func TestRedisBackendRemove(t *testing.T) {
	addr, stop := fakeRedisServer(t)
	defer stop()

	rb, err := DialRedisBackend(addr, time.Second)
	require.NoError(t, err)
	defer rb.Exit()

	payload := []byte("x")
	require.NoError(t, rb.Post(&request.Request{Opcode: request.OpPut, Group: "ns", Key: "k", SGE: []wire.SGE{{Base: payload, Len: 1}}}))
	drainRedis(t, rb)

	require.NoError(t, rb.Post(&request.Request{Opcode: request.OpRemove, Group: "ns", Key: "k"}))
	cpl := drainRedis(t, rb)
	require.Zero(t, cpl.Status)

	require.NoError(t, rb.Post(&request.Request{Opcode: request.OpRemove, Group: "ns", Key: "k"}))
	cpl = drainRedis(t, rb)
	require.NotZero(t, cpl.Status)
}

func TestRedisBackendPipelinesInOrder(t *testing.T) {
	addr, stop := fakeRedisServer(t)
	defer stop()

	rb, err := DialRedisBackend(addr, time.Second)
	require.NoError(t, err)
	defer rb.Exit()

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%d", i)
		val := []byte(fmt.Sprintf("v%d", i))
		require.NoError(t, rb.Post(&request.Request{
			Opcode: request.OpPut,
			Group:  "ns",
			Key:    key,
			SGE:    []wire.SGE{{Base: val, Len: len(val)}},
		}))
	}
	for i := 0; i < 20; i++ {
		cpl := drainRedis(t, rb)
		require.Zero(t, cpl.Status)
	}

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%d", i)
		buf := make([]byte, 16)
		require.NoError(t, rb.Post(&request.Request{
			Opcode: request.OpGet,
			Group:  "ns",
			Key:    key,
			SGE:    []wire.SGE{{Base: buf, Len: len(buf)}},
		}))
		cpl := drainRedis(t, rb)
		require.Zero(t, cpl.Status)
		want := fmt.Sprintf("v%d", i)
		require.Equal(t, want, string(buf[:cpl.RC]))
	}
}

func TestRedisBackendNamespaceLifecycle(t *testing.T) {
	addr, stop := fakeRedisServer(t)
	defer stop()

	rb, err := DialRedisBackend(addr, time.Second)
	require.NoError(t, err)
	defer rb.Exit()

	require.NoError(t, rb.Post(&request.Request{Opcode: request.OpNSCreate, Group: "widgets"}))
	cpl := drainRedis(t, rb)
	require.Zero(t, cpl.Status)

	require.NoError(t, rb.Post(&request.Request{Opcode: request.OpNSCreate, Group: "widgets"}))
	cpl = drainRedis(t, rb)
	require.NotZero(t, cpl.Status)

	require.NoError(t, rb.Post(&request.Request{Opcode: request.OpNSAttach, Group: "widgets"}))
	cpl = drainRedis(t, rb)
	require.EqualValues(t, 1, cpl.RC)

	require.NoError(t, rb.Post(&request.Request{Opcode: request.OpNSDelete, Group: "widgets"}))
	cpl = drainRedis(t, rb)
	require.NotZero(t, cpl.Status)

	require.NoError(t, rb.Post(&request.Request{Opcode: request.OpNSDetach, Group: "widgets"}))
	drainRedis(t, rb)

	require.NoError(t, rb.Post(&request.Request{Opcode: request.OpNSDelete, Group: "widgets"}))
	cpl = drainRedis(t, rb)
	require.Zero(t, cpl.Status)
}

func TestRedisBackendAddRemoveUnits(t *testing.T) {
	addr, stop := fakeRedisServer(t)
	defer stop()

	rb, err := DialRedisBackend(addr, time.Second)
	require.NoError(t, err)
	defer rb.Exit()

	require.NoError(t, rb.Post(&request.Request{Opcode: request.OpNSCreate, Group: "g"}))
	drainRedis(t, rb)

	require.NoError(t, rb.Post(&request.Request{Opcode: request.OpNSAddUnits, Group: "g", SGE: []wire.SGE{{Len: 10}}}))
	cpl := drainRedis(t, rb)
	require.Zero(t, cpl.Status)

	require.NoError(t, rb.Post(&request.Request{Opcode: request.OpNSRemoveUnits, Group: "g", SGE: []wire.SGE{{Len: 4}}}))
	cpl = drainRedis(t, rb)
	require.Zero(t, cpl.Status)

	require.NoError(t, rb.Post(&request.Request{Opcode: request.OpNSRemoveUnits, Group: "g", SGE: []wire.SGE{{Len: 1000}}}))
	cpl = drainRedis(t, rb)
	require.NotZero(t, cpl.Status)
}

func TestRedisBackendAddUnitsUnknownNamespace(t *testing.T) {
	addr, stop := fakeRedisServer(t)
	defer stop()

	rb, err := DialRedisBackend(addr, time.Second)
	require.NoError(t, err)
	defer rb.Exit()

	require.NoError(t, rb.Post(&request.Request{Opcode: request.OpNSAddUnits, Group: "ghost", SGE: []wire.SGE{{Len: 1}}}))
	cpl := drainRedis(t, rb)
	require.NotZero(t, cpl.Status)
}
