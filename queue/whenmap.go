package queue

import (
	"container/heap"
	"container/list"

	"github.com/ffrt-go/ffrt/task"
)

// timeHeap is a min-heap of distinct microsecond timestamps, used to find
// WhenMap's earliest due bucket without scanning every key.
type timeHeap []int64

func (h timeHeap) Len() int            { return len(h) }
func (h timeHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h timeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timeHeap) Push(x any)         { *h = append(*h, x.(int64)) }
func (h *timeHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// WhenMap is an ordered multimap from uptime (microsecond epoch) to the
// FIFO group of tasks due at that timestamp: a bucket per distinct
// timestamp (container/list, preserving insertion order and submit_head
// semantics) plus a min-heap of the distinct timestamps themselves.
type WhenMap struct {
	buckets map[int64]*list.List
	times   timeHeap
	count   int
}

// NewWhenMap constructs an empty WhenMap.
func NewWhenMap() *WhenMap {
	return &WhenMap{buckets: make(map[int64]*list.List)}
}

// Push inserts qt at uptime, at the back of its bucket, or the front if
// head is true (submit_head semantics).
func (w *WhenMap) Push(uptime int64, qt *task.Queued, head bool) {
	b, ok := w.buckets[uptime]
	if !ok {
		b = list.New()
		w.buckets[uptime] = b
		heap.Push(&w.times, uptime)
	}
	if head {
		b.PushFront(qt)
	} else {
		b.PushBack(qt)
	}
	w.count++
}

// PeekUptime returns the earliest pending timestamp, if any.
func (w *WhenMap) PeekUptime() (int64, bool) {
	if len(w.times) == 0 {
		return 0, false
	}
	return w.times[0], true
}

// Len reports the total number of pending tasks across every bucket.
func (w *WhenMap) Len() int { return w.count }

// PopDueBatch removes and returns every task in the earliest bucket, if
// its timestamp is at or before now; returns nil without mutating the map
// if nothing is due yet.
func (w *WhenMap) PopDueBatch(now int64) []*task.Queued {
	if len(w.times) == 0 || w.times[0] > now {
		return nil
	}
	uptime := heap.Pop(&w.times).(int64)
	b := w.buckets[uptime]
	delete(w.buckets, uptime)
	out := make([]*task.Queued, 0, b.Len())
	for e := b.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*task.Queued))
	}
	w.count -= len(out)
	return out
}

// RemoveWhere removes every pending task matching pred, in removal order.
// Used for Remove(), Remove(name) and Remove(task) cancellation.
func (w *WhenMap) RemoveWhere(pred func(*task.Queued) bool) []*task.Queued {
	var removed []*task.Queued
	for uptime, b := range w.buckets {
		for e := b.Front(); e != nil; {
			next := e.Next()
			qt := e.Value.(*task.Queued)
			if pred(qt) {
				b.Remove(e)
				w.count--
				removed = append(removed, qt)
			}
			e = next
		}
		if b.Len() == 0 {
			delete(w.buckets, uptime)
		}
	}
	if len(removed) > 0 {
		w.rebuildHeap()
	}
	return removed
}

// HasWhere reports whether any pending task matches pred, without removing
// it; backs has_task's linear scan.
func (w *WhenMap) HasWhere(pred func(*task.Queued) bool) bool {
	for _, b := range w.buckets {
		for e := b.Front(); e != nil; e = e.Next() {
			if pred(e.Value.(*task.Queued)) {
				return true
			}
		}
	}
	return false
}

// rebuildHeap regenerates the timestamp heap from the surviving buckets.
// Cancellation is not a hot path, so rebuilding from scratch is simpler
// (and just as correct) as an incremental heap-removal scheme.
func (w *WhenMap) rebuildHeap() {
	w.times = w.times[:0]
	for uptime := range w.buckets {
		w.times = append(w.times, uptime)
	}
	heap.Init(&w.times)
}
