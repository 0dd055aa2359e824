package poller

import (
	"container/heap"
	"runtime"
)

type timerEntry struct {
	handle   TimerHandle
	deadline int64 // unix nanoseconds
	interval int64 // interval in nanoseconds, set for every timer
	repeat   bool  // re-arm by interval after firing; false means one-shot
	cb       TimerCallback
	data     any
	index    int // heap index, maintained by container/heap
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	return h[i].deadline < h[j].deadline
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// peek returns the soonest-deadline entry without removing it.
func (h timerHeap) peek() *timerEntry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

var _ heap.Interface = (*timerHeap)(nil)

func heapPush(h *timerHeap, e *timerEntry) { heap.Push(h, e) }

func heapPop(h *timerHeap) *timerEntry { return heap.Pop(h).(*timerEntry) }

func heapRemove(h *timerHeap, i int) *timerEntry { return heap.Remove(h, i).(*timerEntry) }

func runtimeGosched() { runtime.Gosched() }
