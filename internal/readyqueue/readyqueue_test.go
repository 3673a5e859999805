package readyqueue

import (
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushPopFIFO(t *testing.T) {
	q := New(8)
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	require.NoError(t, q.Push(3))

	for _, want := range []int{1, 2, 3} {
		got, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, want, got)
	}
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestPushDedups(t *testing.T) {
	q := New(4)
	require.NoError(t, q.Push(5))
	require.NoError(t, q.Push(5))
	require.NoError(t, q.Push(5))
	require.Equal(t, 1, q.Len())

	got, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, 5, got)
	require.Equal(t, 0, q.Len())
}

func TestPushFailsWhenFull(t *testing.T) {
	q := New(2)
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	require.ErrorIs(t, q.Push(3), syscall.ENOBUFS)
}

func TestRequeueAfterPopAllowed(t *testing.T) {
	q := New(2)
	require.NoError(t, q.Push(1))
	_, _ = q.Pop()
	require.False(t, q.Contains(1))
	require.NoError(t, q.Push(1))
	require.True(t, q.Contains(1))
}

func TestConcurrentPushDedupSafety(t *testing.T) {
	q := New(1024)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Push(7)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, q.Len())
}
