package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushEvictsOldestWhenFull(t *testing.T) {
	b := New[int](3)
	b.Push(1)
	b.Push(2)
	b.Push(3)
	require.True(t, b.Full())

	b.Push(4)
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []int{2, 3, 4}, b.Items())
}

func TestLastReturnsMostRecent(t *testing.T) {
	b := New[int](5)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	assert.Equal(t, []int{4, 5}, b.Last(2))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, b.Last(10))
}

func TestAtOldestFirst(t *testing.T) {
	b := New[string](2)
	b.Push("a")
	b.Push("b")
	b.Push("c")
	assert.Equal(t, "b", b.At(0))
	assert.Equal(t, "c", b.At(1))
}

func TestReset(t *testing.T) {
	b := New[int](2)
	b.Push(1)
	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Full())
}

func TestZeroCapacityPanics(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
