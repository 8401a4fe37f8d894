// Package scheduler implements a Min-Heap based redelivery scheduler.
//
// Why a heap instead of one timer goroutine per in-flight message:
//   - timer-per-message → one goroutine and runtime timer per pull.
//   - Min-Heap peek     → O(1) to find the next deadline, one goroutine total.
//   - Min-Heap insert   → O(log N).
//
// The scheduler goroutine peeks at the heap root (the soonest deadline),
// sleeps until that point, then pops and fires the redelivery callback.
// A buffered notify channel lets Schedule() interrupt the sleep early
// whenever a newly pulled message is due sooner than the current root.
package scheduler

import "container/heap"

// item is one entry in the scheduler Min-Heap: a pulled message waiting for
// its visibility deadline.
type item struct {
	key        string // queueURL and handle joined; lookup map key
	queueURL   string // routing key for the redelivery callback
	handle     string // receipt handle issued by the backend on pull
	body       []byte // payload to present to the backend on requeue
	deadlineMs int64  // UTC milliseconds — sort key

	// heapIdx is the item's current position in the heap slice.
	// Maintained by minHeap.Swap so Cancel can do O(log N) heap.Remove.
	heapIdx int

	// cancelled marks an item for lazy deletion. Cancelled items are
	// discarded by the goroutine instead of fired.
	cancelled bool
}

// minHeap is a slice of *item that satisfies heap.Interface.
// The smallest deadlineMs sits at index 0 (Min-Heap).
type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	return h[i].deadlineMs < h[j].deadlineMs
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

// remove removes the item at position idx and re-heapifies in O(log N).
func (h *minHeap) remove(idx int) *item {
	return heap.Remove(h, idx).(*item)
}
