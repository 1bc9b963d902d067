package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewMapHeap tests the creation of a new MapHeap
func TestNewMapHeap(t *testing.T) {
	mh := NewMapHeap()
	require.NotNil(t, mh)
	assert.Equal(t, 0, mh.Len())

	_, _, ok := mh.Peek()
	assert.False(t, ok, "empty heap must not return an item")
}

// TestAddItemOrdersByPriority tests that the lowest priority is always on top
func TestAddItemOrdersByPriority(t *testing.T) {
	mh := NewMapHeap()
	mh.AddItem(1, 100)
	mh.AddItem(2, 200)
	mh.AddItem(3, 50)

	require.Equal(t, 3, mh.Len())
	assert.True(t, mh.Contains(1))
	assert.True(t, mh.Contains(2))
	assert.True(t, mh.Contains(3))

	key, prio, ok := mh.Peek()
	require.True(t, ok)
	assert.Equal(t, uint64(3), key)
	assert.Equal(t, uint64(50), prio)
}

// TestAddItemUpdatesExisting tests rescheduling an existing key
func TestAddItemUpdatesExisting(t *testing.T) {
	mh := NewMapHeap()
	mh.AddItem(1, 100)
	mh.AddItem(2, 200)
	mh.AddItem(2, 10)

	assert.Equal(t, 2, mh.Len())
	key, prio, _ := mh.Peek()
	assert.Equal(t, uint64(2), key)
	assert.Equal(t, uint64(10), prio)
}

// TestRemoveByKey tests cancelling a scheduled key
func TestRemoveByKey(t *testing.T) {
	mh := NewMapHeap()
	mh.AddItem(1, 100)
	mh.AddItem(2, 20)
	mh.AddItem(3, 300)

	prio, ok := mh.RemoveByKey(2)
	require.True(t, ok)
	assert.Equal(t, uint64(20), prio)
	assert.False(t, mh.Contains(2))

	_, ok = mh.RemoveByKey(2)
	assert.False(t, ok, "second removal must fail")

	key, _, _ := mh.Peek()
	assert.Equal(t, uint64(1), key)
}

// TestPopDue tests that only expired keys are returned, in deadline order
func TestPopDue(t *testing.T) {
	mh := NewMapHeap()
	mh.AddItem(10, 30)
	mh.AddItem(11, 10)
	mh.AddItem(12, 20)
	mh.AddItem(13, 40)

	due := mh.PopDue(30)
	assert.Equal(t, []uint64{11, 12, 10}, due)
	assert.Equal(t, 1, mh.Len())
	assert.True(t, mh.Contains(13))
	assert.Empty(t, mh.PopDue(39))
}

// TestKeysSnapshot tests that Keys returns every scheduled key
func TestKeysSnapshot(t *testing.T) {
	mh := NewMapHeap()
	for i := uint64(0); i < 100; i++ {
		mh.AddItem(i, 1000-i)
	}
	assert.ElementsMatch(t, func() []uint64 {
		var k []uint64
		for i := uint64(0); i < 100; i++ {
			k = append(k, i)
		}
		return k
	}(), mh.Keys())
}
