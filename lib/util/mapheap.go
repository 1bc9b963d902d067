// Package util
//
// This file provides a keyed priority queue used to schedule timers.
//
// The queue combines a binary min-heap ordered by priority (typically a
// deadline in unix nanoseconds) with a map from key to heap entry. A timer
// owner can therefore cancel its timer by key without scanning the heap, and
// the scheduler can always find the next deadline in O(1).
//
//   - O(log n) for AddItem, RemoveByKey and PopDue
//   - O(1) for Peek and Contains
//
// The queue is not safe for concurrent use; callers guard it with a mutex.
//
// Example usage:
//
//	q := NewMapHeap()
//	q.AddItem(taskID, uint64(time.Now().Add(interval).UnixNano()))
//	...
//	for _, key := range q.PopDue(uint64(time.Now().UnixNano())) {
//	    fire(key)
//	}
package util

import (
	"container/heap"
	"strconv"
)

// heapItem is one scheduled key in the queue
type heapItem struct {
	key      uint64
	priority uint64
	index    int // maintained by container/heap
}

func (i *heapItem) String() string {
	return "{Key: " + strconv.FormatUint(i.key, 10) + ", Priority: " + strconv.FormatUint(i.priority, 10) + "}"
}

// MapHeap is a min-heap of keys ordered by priority with key based access
type MapHeap struct {
	items    []*heapItem
	itemsMap map[uint64]*heapItem
}

// NewMapHeap creates an empty queue
func NewMapHeap() *MapHeap {
	return &MapHeap{
		items:    make([]*heapItem, 0),
		itemsMap: make(map[uint64]*heapItem),
	}
}

// Len returns the number of items in the queue (part of heap.Interface)
func (q *MapHeap) Len() int { return len(q.items) }

// Less orders items by ascending priority (part of heap.Interface)
func (q *MapHeap) Less(i, j int) bool {
	return q.items[i].priority < q.items[j].priority
}

// Swap exchanges items at positions i and j (part of heap.Interface)
func (q *MapHeap) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

// Push adds an item to the heap (part of heap.Interface, use AddItem instead)
func (q *MapHeap) Push(x interface{}) {
	it := x.(*heapItem)
	it.index = len(q.items)
	q.items = append(q.items, it)
	q.itemsMap[it.key] = it
}

// Pop removes the last item of the backing slice (part of heap.Interface)
func (q *MapHeap) Pop() interface{} {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	q.items = old[:n-1]
	delete(q.itemsMap, it.key)
	return it
}

// AddItem schedules key with the given priority, or moves an existing key
func (q *MapHeap) AddItem(key, priority uint64) {
	if it, exists := q.itemsMap[key]; exists {
		it.priority = priority
		heap.Fix(q, it.index)
		return
	}
	heap.Push(q, &heapItem{key: key, priority: priority})
}

// RemoveByKey removes key and returns its priority
func (q *MapHeap) RemoveByKey(key uint64) (uint64, bool) {
	it, exists := q.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(q, it.index)
	return it.priority, true
}

// Peek returns the key with the lowest priority without removing it
func (q *MapHeap) Peek() (key uint64, priority uint64, ok bool) {
	if len(q.items) == 0 {
		return 0, 0, false
	}
	return q.items[0].key, q.items[0].priority, true
}

// PopDue removes and returns, in priority order, every key whose priority is
// lower or equal to limit
func (q *MapHeap) PopDue(limit uint64) []uint64 {
	var due []uint64
	for len(q.items) > 0 && q.items[0].priority <= limit {
		it := heap.Pop(q).(*heapItem)
		due = append(due, it.key)
	}
	return due
}

// Contains checks if a key is scheduled
func (q *MapHeap) Contains(key uint64) bool {
	_, exists := q.itemsMap[key]
	return exists
}

// Keys returns a snapshot of all scheduled keys in no particular order
func (q *MapHeap) Keys() []uint64 {
	keys := make([]uint64, 0, len(q.items))
	for _, it := range q.items {
		keys = append(keys, it.key)
	}
	return keys
}
