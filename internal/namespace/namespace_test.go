package namespace

import (
	"sync"
	"testing"

	"github.com/databroker/fship/internal/request"
	"github.com/stretchr/testify/require"
)

func TestTagPoolAcquireReleaseExhaustion(t *testing.T) {
	pool := NewTagPool(2)

	t1 := pool.Acquire()
	t2 := pool.Acquire()
	require.NotEqual(t, TagError, t1)
	require.NotEqual(t, TagError, t2)
	require.NotEqual(t, t1, t2)

	require.Equal(t, TagError, pool.Acquire())

	pool.Release(t1)
	t3 := pool.Acquire()
	require.Equal(t, t1, t3)
}

func TestTagPoolConcurrentAcquireUnique(t *testing.T) {
	pool := NewTagPool(256)
	var wg sync.WaitGroup
	tags := make(chan int, 256)

	for i := 0; i < 256; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tags <- pool.Acquire()
		}()
	}
	wg.Wait()
	close(tags)

	seen := make(map[int]bool)
	for tag := range tags {
		require.NotEqual(t, TagError, tag)
		require.False(t, seen[tag], "tag %d handed out twice", tag)
		seen[tag] = true
	}
	require.Equal(t, TagError, pool.Acquire())
}

func TestPendingTableInsertGetRemove(t *testing.T) {
	pt := NewPendingTable()
	ctx := &request.Ctx{Tag: 5, Req: &request.Request{Opcode: request.OpGet}}

	require.True(t, pt.Insert(5, ctx))
	require.False(t, pt.Insert(5, ctx)) // duplicate tag rejected

	got, ok := pt.Get(5)
	require.True(t, ok)
	require.Same(t, ctx, got)

	pt.Remove(5)
	_, ok = pt.Get(5)
	require.False(t, ok)
}

func TestPendingTableKeysDistinct(t *testing.T) {
	pt := NewPendingTable()
	for i := 0; i < 10; i++ {
		require.True(t, pt.Insert(i, &request.Ctx{Tag: i}))
	}
	keys := pt.Keys()
	require.Len(t, keys, 10)
	seen := make(map[int]bool)
	for _, k := range keys {
		require.False(t, seen[k])
		seen[k] = true
	}
}
