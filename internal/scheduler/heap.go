// Package scheduler implements the priority cadence generator.
//
// Each configured priority is one entry in a min-heap keyed by its next fire
// time. The scheduler goroutine peeks at the root, sleeps until it is due,
// fires the subscriber, and pushes the entry back at now+interval. Peek is
// O(1) and reschedule is O(log P), so the goroutine never scans priorities.
package scheduler

import (
	"time"

	"github.com/snehjoshi/beacon/internal/types"
)

// item is one priority in the cadence heap.
type item struct {
	priority types.Priority
	interval time.Duration
	next     time.Time

	// heapIdx is maintained by minHeap.Swap.
	heapIdx int
}

// minHeap is a slice of *item that satisfies heap.Interface.
// Ties on next fall back to priority order so lower orders fire first.
type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	if h[i].next.Equal(h[j].next) {
		return h[i].priority.Order < h[j].priority.Order
	}
	return h[i].next.Before(h[j].next)
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *minHeap) Push(x any) {
	n := len(*h)
	it := x.(*item)
	it.heapIdx = n
	*h = append(*h, it)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil  // allow GC
	it.heapIdx = -1 // mark as not in heap
	*h = old[:n-1]
	return it
}
