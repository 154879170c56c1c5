package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueDropOldest(t *testing.T) {
	q := NewQueue[int](3)
	for i := 1; i <= 5; i++ {
		require.True(t, q.Push(i))
	}
	require.Equal(t, uint64(2), q.Dropped())
	require.Equal(t, 3, q.Len())

	q.Close()
	require.False(t, q.Push(6))

	var got []int
	for v := range q.C() {
		got = append(got, v)
	}
	require.Equal(t, []int{3, 4, 5}, got)
}

func TestQueueMinimumCapacity(t *testing.T) {
	q := NewQueue[string](0)
	q.Push("a")
	q.Push("b")
	require.Equal(t, "b", <-q.C())
	require.Equal(t, uint64(1), q.Dropped())
	q.Close()
	q.Close()
}
