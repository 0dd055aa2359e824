package queue

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffrt-go/ffrt/execunit"
	"github.com/ffrt-go/ffrt/internal/batch"
	"github.com/ffrt-go/ffrt/internal/ffrtlog"
	"github.com/ffrt-go/ffrt/internal/longwait"
	"github.com/ffrt-go/ffrt/qos"
	"github.com/ffrt-go/ffrt/task"
)

// Loop is implemented by package loop's *Loop. SetLoop binds a Queue to one
// so delivery is driven by the loop's own event thread instead of the
// shared scheduler; queue never imports package loop to avoid the cycle,
// so loop.Loop satisfies this interface structurally.
type Loop interface {
	NotifyDeliverable(q *Queue)
}

var idSeq atomic.Uint32

// NextID returns a fresh, process-wide unique queue identifier.
func NextID() uint32 { return idSeq.Add(1) }

// HistoryEntry records one completed dispatch, for the adapter variant's
// bounded history ring consulted by Dump.
type HistoryEntry struct {
	TaskID       uint64
	Label        string
	TriggerTime  time.Time
	CompleteTime time.Time
}

const historyCapacity = 32

// runEntry is one in-flight task's bookkeeping in Queue.running.
type runEntry struct {
	done  chan struct{}
	start time.Time
}

// RunningTask is a snapshot of one currently-executing task, as reported by
// RunningTasks to monitor.QueueMonitor's periodic sweep.
type RunningTask struct {
	GID   uint64
	Label string
	Start time.Time
}

// Queue is one queue handler instance: submission, delivery ordering,
// timeout watchdogs and cancellation for whichever Kind it was created
// with.
type Queue struct {
	id   uint32
	name string
	kind Kind
	attr Attr
	unit *execunit.Unit

	mu       sync.Mutex
	active   bool
	isExit   atomic.Bool
	whenMaps [numPriorities]*WhenMap // index 0 used directly by non-adapter kinds
	// running tracks every currently-executing task, its start time (for
	// monitor.QueueMonitor's running-task sweep) and its completion signal.
	// Every kind but Concurrent only ever has at most one entry
	// (single-in-flight dispatch); Concurrent's dispatchConcurrent may
	// populate it with up to attr.MaxConcurrency entries at once.
	running map[*task.Queued]runEntry

	delayedCB atomic.Int32

	loopMu sync.Mutex
	loop   Loop

	historyMu sync.Mutex
	history   []HistoryEntry

	arrival *batch.Batcher // adapter variant only: debounces kick bursts
}

// New constructs a Queue bound to unit, the target of every delivered
// task's scheduling.
func New(unit *execunit.Unit, kind Kind, name string, attr Attr) *Queue {
	q := &Queue{
		id:      NextID(),
		name:    name,
		kind:    kind,
		attr:    attr,
		unit:    unit,
		running: make(map[*task.Queued]runEntry),
	}
	if kind == EventHandlerAdapter {
		for i := range q.whenMaps {
			q.whenMaps[i] = NewWhenMap()
		}
		q.arrival = batch.New(1<<20, 2*time.Millisecond, func([]any) { q.submitPlaceholder() })
	} else {
		q.whenMaps[0] = NewWhenMap()
	}
	return q
}

func (q *Queue) ID() uint32    { return q.id }
func (q *Queue) Name() string  { return q.name }
func (q *Queue) Kind() Kind    { return q.kind }
func (q *Queue) QoS() qos.Level { return q.attr.QoS }

// SetLoop binds l as this queue's delivery driver; only meaningful for the
// Concurrent kind. Passing nil reverts to scheduler-driven delivery.
func (q *Queue) SetLoop(l Loop) {
	q.loopMu.Lock()
	q.loop = l
	q.loopMu.Unlock()
}

func (q *Queue) boundLoop() Loop {
	q.loopMu.Lock()
	defer q.loopMu.Unlock()
	return q.loop
}

// Submit enqueues fn for delivery, inheriting the queue's default QoS if
// attr.QoS is Inherit or Default.
func (q *Queue) Submit(fn func(), attr task.Attr) task.Handle {
	return q.submit(fn, attr, false)
}

// SubmitHead is Submit but inserts at the head of its uptime's bucket,
// ahead of tasks already due at the same timestamp.
func (q *Queue) SubmitHead(fn func(), attr task.Attr) task.Handle {
	return q.submit(fn, attr, true)
}

func (q *Queue) submit(fn func(), attr task.Attr, head bool) task.Handle {
	if q.isExit.Load() {
		return task.Handle{}
	}
	attr.QoS = qos.Resolve(attr.QoS, q.attr.QoS)

	now := time.Now().UnixMicro()
	uptime := now + attr.DelayUS
	qt := task.NewQueued(fn, attr, uptime, q.id)

	priority := q.priorityFor(attr.Priority)
	q.mu.Lock()
	q.whenMaps[priority].Push(uptime, qt, head)
	wasActive := q.active
	q.active = true
	q.mu.Unlock()

	if !wasActive {
		q.kick()
	}
	return task.Handle{GID: qt.GID()}
}

func (q *Queue) priorityFor(p int) Priority {
	if q.kind != EventHandlerAdapter {
		return 0
	}
	switch {
	case p <= int(VIP):
		return VIP
	case p >= int(Idle):
		return Idle
	default:
		return Priority(p)
	}
}

// kick schedules a delivery pass: routed through the bound Loop if set,
// debounced through the arrival batcher for the adapter variant (so a
// burst of near-simultaneous submissions produces one placeholder instead
// of one per submission), or submitted to the scheduler directly otherwise.
func (q *Queue) kick() {
	if l := q.boundLoop(); l != nil {
		l.NotifyDeliverable(q)
		return
	}
	if q.arrival != nil {
		_ = q.arrival.Submit(context.Background(), struct{}{})
		return
	}
	q.submitPlaceholder()
}

// submitPlaceholder transfers an empty no-op task to the scheduler; the
// worker that eventually dispatches it calls deliver, which fetches the
// real due tasks (SPEC_FULL.md §4.E submission/activation).
func (q *Queue) submitPlaceholder() {
	placeholder := task.NewNormal(func() { q.deliver() }, task.Attr{QoS: q.attr.QoS})
	q.unit.Submit(q.attr.QoS, placeholder)
}

// Deliver runs one delivery pass on the calling goroutine. Package loop
// calls this directly from its own event thread for queues bound via
// SetLoop, instead of letting kick hand a placeholder to the scheduler.
func (q *Queue) Deliver() { q.deliver() }

// deliver runs on a worker (or the bound loop's event thread): repeatedly
// pops and dispatches due batches until the queue has nothing left to run
// right now, then either goes inactive (if truly empty) or arms a timer
// for the next deadline.
func (q *Queue) deliver() {
	for {
		if q.isExit.Load() {
			q.mu.Lock()
			q.active = false
			q.mu.Unlock()
			return
		}

		q.mu.Lock()
		now := time.Now().UnixMicro()
		due, nextAt, empty := q.popDueBatchLocked(now)
		if len(due) == 0 {
			q.active = false
			q.mu.Unlock()
			if !empty {
				delay := time.Duration(nextAt-now) * time.Microsecond
				if delay < 0 {
					delay = 0
				}
				time.AfterFunc(delay, q.onDeadline)
			}
			return
		}
		q.mu.Unlock()

		q.dispatchBatch(due)
	}
}

// onDeadline is the delay-timer callback armed by deliver when nothing was
// due yet; it re-activates the queue and kicks a fresh delivery pass.
func (q *Queue) onDeadline() {
	if q.isExit.Load() {
		return
	}
	q.mu.Lock()
	if q.active {
		q.mu.Unlock()
		return
	}
	q.active = true
	q.mu.Unlock()
	q.kick()
}

// popDueBatchLocked must be called with q.mu held. For non-adapter kinds
// it consults the single WhenMap; for the adapter kind it applies the
// vip>immediate>high>low>idle precedence, only considering Idle once every
// other priority is completely empty.
func (q *Queue) popDueBatchLocked(now int64) (due []*task.Queued, nextAt int64, empty bool) {
	if q.kind != EventHandlerAdapter {
		wm := q.whenMaps[0]
		// Drain every bucket that is due as of now, not just the earliest
		// one. Serial/Interactive dispatch runOne sequentially regardless,
		// so merging changes nothing but the number of deliver() loop
		// iterations; Concurrent dispatch needs the merge so tasks queued
		// a few microseconds apart land in the same dispatchConcurrent
		// fan-out instead of being forced through one at a time.
		for {
			t, ok := wm.PeekUptime()
			if !ok {
				if len(due) == 0 {
					return nil, 0, true
				}
				return due, 0, false
			}
			if t > now {
				if len(due) == 0 {
					return nil, t, false
				}
				return due, 0, false
			}
			due = append(due, wm.PopDueBatch(now)...)
		}
	}
	return q.popDueBatchAdapterLocked(now)
}

func (q *Queue) popDueBatchAdapterLocked(now int64) (due []*task.Queued, nextAt int64, empty bool) {
	nextAt = -1
	anyPending := false
	for _, p := range adapterOrder {
		t, ok := q.whenMaps[p].PeekUptime()
		if !ok {
			continue
		}
		anyPending = true
		if t <= now {
			return q.whenMaps[p].PopDueBatch(now), 0, false
		}
		if nextAt == -1 || t < nextAt {
			nextAt = t
		}
	}
	if !anyPending {
		// every non-idle level is empty: idle may run.
		if t, ok := q.whenMaps[Idle].PeekUptime(); ok {
			if t <= now {
				return q.whenMaps[Idle].PopDueBatch(now), 0, false
			}
			return nil, t, false
		}
		return nil, 0, true
	}
	return nil, nextAt, false
}

// dispatchBatch runs due's tasks. Every kind but Concurrent runs them one at
// a time on the calling goroutine (single-in-flight dispatch); Concurrent
// runs up to attr.MaxConcurrency of them in parallel, matching spec.md §5's
// "up to max_concurrency queue tasks may run in parallel; no ordering
// between parallel runs".
func (q *Queue) dispatchBatch(due []*task.Queued) {
	if q.kind == Concurrent && q.attr.MaxConcurrency > 1 {
		q.dispatchConcurrent(due)
		return
	}
	for _, qt := range due {
		q.runOne(qt)
	}
}

// dispatchConcurrent bounds parallelism to attr.MaxConcurrency via a
// buffered-channel semaphore, and blocks until every task in due has
// finished before returning (so deliver's pop/dispatch loop still sees a
// consistent, fully-drained batch before fetching the next one).
func (q *Queue) dispatchConcurrent(due []*task.Queued) {
	sem := make(chan struct{}, q.attr.MaxConcurrency)
	var wg sync.WaitGroup
	for _, qt := range due {
		qt := qt
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			q.runOne(qt)
		}()
	}
	wg.Wait()
}

func (q *Queue) runOne(qt *task.Queued) {
	var timer *time.Timer
	if q.attr.TimeoutUS > 0 {
		q.delayedCB.Add(1)
		timer = time.AfterFunc(time.Duration(q.attr.TimeoutUS)*time.Microsecond, func() {
			defer q.delayedCB.Add(-1)
			if qt.State() != task.Exited && q.attr.TimeoutCB != nil {
				q.attr.TimeoutCB(qt.Label())
			}
		})
	}

	start := time.Now()
	done := make(chan struct{}, 1)
	q.mu.Lock()
	q.running[qt] = runEntry{done: done, start: start}
	q.mu.Unlock()

	qt.SetState(task.Running)
	func() {
		defer func() {
			if r := recover(); r != nil {
				ffrtlog.Error("queue", "task panicked", "gid", qt.GID(), "panic", r)
			}
		}()
		qt.Execute()
		qt.Destroy()
	}()
	qt.SetState(task.Exited)

	if timer != nil && timer.Stop() {
		q.delayedCB.Add(-1)
	}

	if q.kind == EventHandlerAdapter {
		q.appendHistory(qt, start, time.Now())
	}

	q.mu.Lock()
	delete(q.running, qt)
	q.mu.Unlock()
	done <- struct{}{}

	qt.DecDeleteRef()
}

func (q *Queue) appendHistory(qt *task.Queued, start, end time.Time) {
	entry := HistoryEntry{TaskID: qt.GID(), Label: qt.Label(), TriggerTime: start, CompleteTime: end}
	q.historyMu.Lock()
	q.history = append(q.history, entry)
	if len(q.history) > historyCapacity {
		q.history = q.history[len(q.history)-historyCapacity:]
	}
	q.historyMu.Unlock()
}

// Cancel removes the pending task identified by h, returning task.ErrFailed
// if it is no longer in the when_map (either already dispatched or never
// existed).
func (q *Queue) Cancel(h task.Handle) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.whenMaps {
		if q.whenMaps[i] == nil {
			continue
		}
		removed := q.whenMaps[i].RemoveWhere(func(t *task.Queued) bool { return t.GID() == h.GID })
		for _, t := range removed {
			t.SetState(task.Exited)
			t.DecDeleteRef()
		}
		if len(removed) > 0 {
			return nil
		}
	}
	return task.ErrFailed
}

// CancelByName removes every pending task whose label matches pattern
// (regex, falling back to substring match if pattern doesn't compile),
// returning true if at least one was cancelled.
func (q *Queue) CancelByName(pattern string) bool {
	match := matcher(pattern)
	q.mu.Lock()
	defer q.mu.Unlock()
	found := false
	for i := range q.whenMaps {
		if q.whenMaps[i] == nil {
			continue
		}
		removed := q.whenMaps[i].RemoveWhere(func(t *task.Queued) bool { return match(t.Label()) })
		for _, t := range removed {
			t.SetState(task.Exited)
			t.DecDeleteRef()
		}
		found = found || len(removed) > 0
	}
	return found
}

// CancelAll purges every non-running pending task and marks the queue for
// exit: no further Submit will be accepted, and once any in-flight
// dispatch finishes, deliver will not reschedule.
func (q *Queue) CancelAll() error {
	q.isExit.Store(true)
	q.mu.Lock()
	for i := range q.whenMaps {
		if q.whenMaps[i] == nil {
			continue
		}
		removed := q.whenMaps[i].RemoveWhere(func(*task.Queued) bool { return true })
		for _, t := range removed {
			t.SetState(task.Exited)
			t.DecDeleteRef()
		}
	}
	q.mu.Unlock()
	return nil
}

// CancelAndWait blocks until every currently running task completes or
// timeout elapses overall, returning false if the deadline is reached
// first.
func (q *Queue) CancelAndWait(timeout time.Duration) bool {
	q.mu.Lock()
	dones := make([]chan struct{}, 0, len(q.running))
	for _, e := range q.running {
		dones = append(dones, e.done)
	}
	q.mu.Unlock()
	if len(dones) == 0 {
		return true
	}
	deadline := time.Now().Add(timeout)
	for _, done := range dones {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if _, ok := longwait.WaitOne(done, remaining); !ok {
			return false
		}
	}
	return true
}

// HasTask reports whether any pending (not yet dispatched) task's label
// matches pattern.
func (q *Queue) HasTask(pattern string) bool {
	match := matcher(pattern)
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.whenMaps {
		if q.whenMaps[i] == nil {
			continue
		}
		if q.whenMaps[i].HasWhere(func(t *task.Queued) bool { return match(t.Label()) }) {
			return true
		}
	}
	return false
}

// IsIdle reports whether the queue has no pending tasks and nothing
// currently running.
func (q *Queue) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.running) > 0 {
		return false
	}
	for i := range q.whenMaps {
		if q.whenMaps[i] != nil && q.whenMaps[i].Len() > 0 {
			return false
		}
	}
	return true
}

// RunningTasks snapshots every currently-executing task's identity and
// start time, for monitor.QueueMonitor's periodic stuck-task sweep.
func (q *Queue) RunningTasks() []RunningTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RunningTask, 0, len(q.running))
	for qt, e := range q.running {
		out = append(out, RunningTask{GID: qt.GID(), Label: qt.Label(), Start: e.start})
	}
	return out
}

// SizeDump reports the number of pending tasks at priority, or the single
// queue's depth (priority ignored) for non-adapter kinds.
func (q *Queue) SizeDump(priority Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.kind != EventHandlerAdapter {
		return q.whenMaps[0].Len()
	}
	if priority < 0 || int(priority) >= numPriorities {
		return 0
	}
	return q.whenMaps[priority].Len()
}

// Dump formats the currently executing task, remaining per-priority queue
// depths, and (if includeHistory and the adapter variant) the completed-
// dispatch history ring into a single report string.
func (q *Queue) Dump(tag string, includeHistory bool) string {
	var b strings.Builder
	b.WriteString("queue[")
	b.WriteString(q.name)
	b.WriteString("] ")
	b.WriteString(tag)
	b.WriteString("\n")

	q.mu.Lock()
	running := make([]string, 0, len(q.running))
	for qt := range q.running {
		running = append(running, qt.Label())
	}
	q.mu.Unlock()
	if len(running) > 0 {
		b.WriteString("  running: ")
		b.WriteString(strings.Join(running, ", "))
		b.WriteString("\n")
	} else {
		b.WriteString("  running: <none>\n")
	}

	if q.kind == EventHandlerAdapter {
		for _, p := range [...]Priority{VIP, Immediate, High, Low, Idle} {
			b.WriteString("  ")
			b.WriteString(p.String())
			b.WriteString(": ")
			b.WriteString(strconv.Itoa(q.SizeDump(p)))
			b.WriteString("\n")
		}
	} else {
		b.WriteString("  pending: ")
		b.WriteString(strconv.Itoa(q.SizeDump(0)))
		b.WriteString("\n")
	}

	if includeHistory && q.kind == EventHandlerAdapter {
		q.historyMu.Lock()
		defer q.historyMu.Unlock()
		b.WriteString("  history:\n")
		for _, e := range q.history {
			b.WriteString("    ")
			b.WriteString(e.Label)
			b.WriteString(" trigger=")
			b.WriteString(e.TriggerTime.Format(time.RFC3339Nano))
			b.WriteString(" complete=")
			b.WriteString(e.CompleteTime.Format(time.RFC3339Nano))
			b.WriteString("\n")
		}
	}

	return b.String()
}

// matcher builds a label predicate from pattern: a compiled regex if it is
// one, otherwise a plain substring match (has_task's documented fallback).
func matcher(pattern string) func(string) bool {
	if re, err := regexp.Compile(pattern); err == nil {
		return re.MatchString
	}
	return func(label string) bool { return strings.Contains(label, pattern) }
}

// Destroy cancels all pending work and waits briefly for any in-flight
// timeout watchdogs to settle, releasing the queue.
func (q *Queue) Destroy() {
	_ = q.CancelAll()
	if q.arrival != nil {
		_ = q.arrival.Close()
	}
	for i := 0; i < 100 && q.delayedCB.Load() > 0; i++ {
		time.Sleep(time.Millisecond)
	}
	if n := q.delayedCB.Load(); n > 0 {
		ffrtlog.Warn("queue", "destroyed with watchdogs still pending", "queue", q.name, "count", n)
	}
}
