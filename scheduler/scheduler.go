// Package scheduler implements the ready-queue layer described in spec.md
// §4.D: one global FIFO per QoS level plus a bounded, steal-able local FIFO
// per worker. Workers drain their own local FIFO first and only reach for
// the global queue or another worker's local FIFO when idle, the same
// locality-first policy the original engine uses to keep cache-hot tasks on
// the worker that produced them.
package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/ffrt-go/ffrt/qos"
	"github.com/ffrt-go/ffrt/task"
)

// localCapacity bounds each worker's local FIFO, mirroring spec.md §3's
// "~128 slots" WorkerThread local queue.
const localCapacity = 128

// globalQueue is the per-QoS FIFO every Insert ultimately lands in, backed
// by a chunked linked list so bulk submission doesn't thrash the GC.
type globalQueue struct {
	mu      sync.Mutex
	fifo    chunkedFIFO
	tearing atomic.Bool
}

func (g *globalQueue) insert(t task.Task) bool {
	if g.tearing.Load() {
		return false
	}
	g.mu.Lock()
	g.fifo.push(t)
	g.mu.Unlock()
	return true
}

func (g *globalQueue) pop() (task.Task, bool) {
	g.mu.Lock()
	v, ok := g.fifo.pop()
	g.mu.Unlock()
	if !ok {
		return nil, false
	}
	return v.(task.Task), true
}

func (g *globalQueue) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fifo.len()
}

func (g *globalQueue) teardown() { g.tearing.Store(true) }

// LocalFIFO is a worker's bounded, steal-able ready queue. The owning
// worker pushes and pops from the tail; stealers take from the head, which
// keeps the owner's own pushes and pops contention-free from the stealer's
// perspective in the common case.
type LocalFIFO struct {
	mu    sync.Mutex
	items [localCapacity]task.Task
	head  int
	count int
}

// PushLocal appends to the owner's tail. Returns false if the local FIFO is
// full; the caller falls back to the global queue.
func (l *LocalFIFO) PushLocal(t task.Task) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == localCapacity {
		return false
	}
	idx := (l.head + l.count) % localCapacity
	l.items[idx] = t
	l.count++
	return true
}

// PopLocal removes from the owner's tail (LIFO on the owner's own side,
// matching the cache-friendly "pick up what you just added" behavior).
func (l *LocalFIFO) PopLocal() (task.Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return nil, false
	}
	idx := (l.head + l.count - 1) % localCapacity
	t := l.items[idx]
	l.items[idx] = nil
	l.count--
	return t, true
}

// Len reports the number of tasks currently queued locally.
func (l *LocalFIFO) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// stealFromHead removes up to n tasks from the head (the oldest tasks),
// the batch a stealer takes from a victim.
func (l *LocalFIFO) stealFromHead(n int) []task.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.count {
		n = l.count
	}
	out := make([]task.Task, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, l.items[l.head])
		l.items[l.head] = nil
		l.head = (l.head + 1) % localCapacity
		l.count--
	}
	return out
}

// group tracks the LocalFIFOs registered for one QoS level, and enforces
// the "at most half the group may be stealing concurrently" cap.
type group struct {
	mu       sync.Mutex
	locals   []*LocalFIFO
	stealing atomic.Int32
}

// Scheduler owns the per-QoS global queues and worker groups.
type Scheduler struct {
	globals [qos.NumLevels]*globalQueue
	groups  [qos.NumLevels]*group
}

// New constructs a Scheduler with an empty global queue and worker group
// per concrete QoS level.
func New() *Scheduler {
	s := &Scheduler{}
	for i := range s.globals {
		s.globals[i] = &globalQueue{}
		s.groups[i] = &group{}
	}
	return s
}

func (s *Scheduler) global(level qos.Level) *globalQueue { return s.globals[int(level)] }
func (s *Scheduler) groupFor(level qos.Level) *group      { return s.groups[int(level)] }

// Insert pushes t onto the global FIFO for its QoS level. Returns false if
// that level's queue is tearing down.
func (s *Scheduler) Insert(level qos.Level, t task.Task) bool {
	return s.global(level).insert(t)
}

// Wakeup inserts t and invokes notify (the QoS monitor's TASK_ADDED hook),
// decoupling scheduler from qosmonitor to avoid an import cycle between the
// two packages.
func (s *Scheduler) Wakeup(level qos.Level, t task.Task, notify func()) bool {
	ok := s.Insert(level, t)
	if ok && notify != nil {
		notify()
	}
	return ok
}

// PopGlobal pops the next task from the global FIFO for level.
func (s *Scheduler) PopGlobal(level qos.Level) (task.Task, bool) {
	return s.global(level).pop()
}

// GlobalLen reports the current global FIFO depth for level.
func (s *Scheduler) GlobalLen(level qos.Level) int { return s.global(level).len() }

// Teardown marks level's global queue as tearing down; further Insert calls
// fail.
func (s *Scheduler) Teardown(level qos.Level) { s.global(level).teardown() }

// RegisterWorker creates and registers a fresh LocalFIFO in level's group,
// returning it for the worker to hold for its lifetime.
func (s *Scheduler) RegisterWorker(level qos.Level) *LocalFIFO {
	l := &LocalFIFO{}
	g := s.groupFor(level)
	g.mu.Lock()
	g.locals = append(g.locals, l)
	g.mu.Unlock()
	return l
}

// UnregisterWorker removes l from level's group, e.g. on worker retirement.
func (s *Scheduler) UnregisterWorker(level qos.Level, l *LocalFIFO) {
	g := s.groupFor(level)
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, v := range g.locals {
		if v == l {
			g.locals = append(g.locals[:i], g.locals[i+1:]...)
			return
		}
	}
}

// StealTaskBatch attempts to steal a batch of tasks into thief from another
// worker's LocalFIFO in the same QoS group. It respects the "at most half
// the group may be stealing concurrently" cap (spec.md §4.D) and takes
// (len+1)/2 tasks from whichever non-empty victim it finds first, pushing
// them into thief's own FIFO (falling back to the global queue for any that
// don't fit). Returns the number of tasks moved.
func (s *Scheduler) StealTaskBatch(level qos.Level, thief *LocalFIFO) int {
	g := s.groupFor(level)

	g.mu.Lock()
	limit := int32(len(g.locals) / 2)
	g.mu.Unlock()
	if limit < 1 {
		limit = 1
	}

	if g.stealing.Add(1) > limit {
		g.stealing.Add(-1)
		return 0
	}
	defer g.stealing.Add(-1)

	g.mu.Lock()
	victims := append([]*LocalFIFO(nil), g.locals...)
	g.mu.Unlock()

	for _, v := range victims {
		if v == thief {
			continue
		}
		n := v.Len()
		if n == 0 {
			continue
		}
		batch := v.stealFromHead((n + 1) / 2)
		if len(batch) == 0 {
			continue
		}
		moved := 0
		for _, t := range batch {
			if thief.PushLocal(t) {
				moved++
			} else {
				s.Insert(level, t)
				moved++
			}
		}
		return moved
	}
	return 0
}
