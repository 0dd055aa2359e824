package worker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffrt-go/ffrt/coroutine"
	"github.com/ffrt-go/ffrt/internal/ffrtlog"
	"github.com/ffrt-go/ffrt/poller"
	"github.com/ffrt-go/ffrt/qos"
	"github.com/ffrt-go/ffrt/qosmonitor"
	"github.com/ffrt-go/ffrt/scheduler"
	"github.com/ffrt-go/ffrt/task"
)

// group tracks the live and idle WorkerThreads for one QoS level under a
// shared mutex, matching spec.md §4.G's "grouped per QoS under a shared
// mutex" structure.
type group struct {
	mu      sync.Mutex
	threads map[*Thread]struct{}
	idle    []*Thread
}

// Manager owns the set of WorkerThread handles across all QoS levels, the
// scheduler they drain, the shared poller they block on when idle, and the
// QoS monitor that decides when to wake or spawn them.
type Manager struct {
	sched *scheduler.Scheduler
	poll  *poller.Poller
	mon   *qosmonitor.Monitor

	groups     [qos.NumLevels]*group
	lightSleep [qos.NumLevels]atomic.Int64 // nanoseconds
	stackSize  [qos.NumLevels]atomic.Int64
	idleDestroy atomic.Bool
	escapeEnabled atomic.Bool

	// parkedMu/parkedSet tracks every task a worker has handed off to an
	// external wait (coroutine.Start returning parked=true) by GID, so a
	// parked task is never silently lost between park and its eventual
	// co_wake; see parkedTask.
	parkedMu  sync.Mutex
	parkedSet map[uint64]parkedTask

	tearing atomic.Bool
	wg      sync.WaitGroup
}

// parkedTask records where (which QoS level) and under what label a task
// parked, for diagnostics and so the resubmitter hook installed on package
// coroutine knows which level's queue to hand a woken task back to.
type parkedTask struct {
	level qos.Level
	label string
	since time.Time
}

// New constructs a Manager bound to sched and poll (both process-wide
// singletons owned by the caller, typically package execunit).
func New(sched *scheduler.Scheduler, poll *poller.Poller, opts ...Option) *Manager {
	cfg := resolveManagerOptions(opts)
	m := &Manager{
		sched:     sched,
		poll:      poll,
		parkedSet: make(map[uint64]parkedTask),
	}
	for i := range m.groups {
		m.groups[i] = &group{threads: make(map[*Thread]struct{})}
		m.lightSleep[i].Store(int64(cfg.lightSleep))
	}
	m.idleDestroy.Store(cfg.idleDestroy)
	m.mon = qosmonitor.New(m, cfg.strategy, cfg.maxConcurrency)
	coroutine.SetResubmitter(func(t task.Task) { m.resubmitParked(t) })
	return m
}

// resubmitParked is the hook installed on package coroutine via
// SetResubmitter: it resolves the QoS level a woken task parked under and
// hands it back to the scheduler so a worker picks it up and resumes the
// same Coroutine.
func (m *Manager) resubmitParked(t task.Task) {
	level := qos.DefaultLevel
	m.parkedMu.Lock()
	if pt, ok := m.parkedSet[t.GID()]; ok {
		level = pt.level
		delete(m.parkedSet, t.GID())
	}
	m.parkedMu.Unlock()
	m.Submit(level, t)
}

// taskRunning clears t's parked record, if any: called whenever a worker is
// about to switch into t, whether for the first time or resuming after a
// prior park.
func (m *Manager) taskRunning(t task.Task) {
	m.parkedMu.Lock()
	delete(m.parkedSet, t.GID())
	m.parkedMu.Unlock()
}

// taskParked records that t has been handed off to an external wait at
// level, per coroutine.Start returning parked=true.
func (m *Manager) taskParked(level qos.Level, t task.Task) {
	m.parkedMu.Lock()
	m.parkedSet[t.GID()] = parkedTask{level: level, label: t.Label(), since: time.Now()}
	m.parkedMu.Unlock()
	ffrtlog.Debug("worker", "task parked on external wait", "qos", level, "label", t.Label(), "gid", t.GID())
}

// ParkedCount reports how many tasks are currently parked awaiting an
// external wake, across every QoS level. Exposed for diagnostics.
func (m *Manager) ParkedCount() int {
	m.parkedMu.Lock()
	defer m.parkedMu.Unlock()
	return len(m.parkedSet)
}

func (m *Manager) groupFor(level qos.Level) *group { return m.groups[int(level)] }

// Monitor exposes the underlying qosmonitor.Monitor, e.g. for execunit to
// drive SetEscapeEnable bookkeeping or inspect worker counts.
func (m *Manager) Monitor() *qosmonitor.Monitor { return m.mon }

// SetWorkerStackSize records level's StackSize hint for future workers.
// StackSize is advisory only; Go manages goroutine stacks itself, so this
// has no allocation effect, but is preserved for parity with spec.md §4.H's
// "only allowed when group is empty" guard.
func (m *Manager) SetWorkerStackSize(level qos.Level, bytes int64) bool {
	g := m.groupFor(level)
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.threads) != 0 {
		return false
	}
	m.stackSize[int(level)].Store(bytes)
	return true
}

// SetEscapeEnable records the worker-escape opt-in flag. One-shot: once
// enabled it cannot be disabled (weaker-than-default values are rejected),
// matching spec.md §4.H. Nothing in this package reads the flag: the
// pickup and idle paths never send a TaskEscaped notification, so setting
// it does not change worker spawning.
func (m *Manager) SetEscapeEnable(enabled bool) bool {
	if !enabled {
		if m.escapeEnabled.Load() {
			return false
		}
		return true
	}
	m.escapeEnabled.Store(true)
	return true
}

// IncWorker spawns a new WorkerThread in level's group. Refuses if the
// Manager is tearing down or level is invalid.
func (m *Manager) IncWorker(level qos.Level) {
	if m.tearing.Load() || !level.Valid() {
		return
	}
	g := m.groupFor(level)
	t := newThread(level, m)

	g.mu.Lock()
	g.threads[t] = struct{}{}
	g.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t.loop()
	}()
}

// WorkerRetired removes t from its group's bookkeeping once its loop
// returns, the Go analogue of detaching an OS thread and erasing it from
// the group map.
func (m *Manager) workerRetired(t *Thread) {
	g := m.groupFor(t.level)
	g.mu.Lock()
	delete(g.threads, t)
	for i, v := range g.idle {
		if v == t {
			g.idle = append(g.idle[:i], g.idle[i+1:]...)
			break
		}
	}
	g.mu.Unlock()
	m.sched.UnregisterWorker(t.level, t.local)
}

// markIdle records t as eligible for WakeupWorkers to target.
func (m *Manager) markIdle(t *Thread) {
	g := m.groupFor(t.level)
	g.mu.Lock()
	g.idle = append(g.idle, t)
	g.mu.Unlock()
}

// clearIdle removes t from the idle list, e.g. once it wakes on its own.
func (m *Manager) clearIdle(t *Thread) {
	g := m.groupFor(t.level)
	g.mu.Lock()
	for i, v := range g.idle {
		if v == t {
			g.idle = append(g.idle[:i], g.idle[i+1:]...)
			break
		}
	}
	g.mu.Unlock()
}

// WakeupWorkers implements qosmonitor.Ops: signals one idle worker in
// level's group, if any are currently sleeping.
func (m *Manager) WakeupWorkers(level qos.Level) {
	g := m.groupFor(level)
	g.mu.Lock()
	var t *Thread
	if n := len(g.idle); n > 0 {
		t = g.idle[n-1]
		g.idle = g.idle[:n-1]
	}
	g.mu.Unlock()
	if t == nil {
		return
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// GetTaskCount implements qosmonitor.Ops: the global-queue depth for level,
// the same signal spec.md §4.F's Notify uses as task_count.
func (m *Manager) GetTaskCount(level qos.Level) int {
	return m.sched.GlobalLen(level)
}

// WakePoller implements qosmonitor.Ops: interrupts a worker currently
// blocked in PollOnce, per spec.md §4.F step 5's "a poll-waiting worker is
// woken via the poller, not the idle-sleep channel". The shared Poller has
// no notion of QoS level, so level only identifies which group asked.
func (m *Manager) WakePoller(qos.Level) {
	m.poll.WakeUp()
}

// LiveWorkers returns the total number of worker goroutines still running
// across all QoS groups, for callers (package execunit) that need to poll
// for quiescence during teardown.
func (m *Manager) LiveWorkers() int {
	total := 0
	for i := range m.groups {
		g := m.groups[i]
		g.mu.Lock()
		total += len(g.threads)
		g.mu.Unlock()
	}
	return total
}

// WorkerSample is one worker's currently-executing task, as reported by
// Manager.Sample to the worker-sampling monitor.
type WorkerSample struct {
	Level qos.Level
	// Worker identifies which Thread this sample came from, stable across
	// consecutive samples of the same worker (but not comparable across
	// Manager instances); used by the worker-sampling monitor to tell "the
	// same worker is still stuck" apart from "a different worker happened
	// to pick up a task with the same GID" (which can't actually happen,
	// since GID is unique, but keeps the grouping key worker-shaped rather
	// than task-shaped, matching the original's per-worker sample table).
	Worker *Thread
	GID    uint64
	Label  string
	Start  time.Time
}

// Sample snapshots every busy worker's current task across all QoS groups.
// Workers that are idle or between tasks are omitted.
func (m *Manager) Sample() []WorkerSample {
	var out []WorkerSample
	for i := range m.groups {
		g := m.groups[i]
		g.mu.Lock()
		for th := range g.threads {
			if cur := th.current.Load(); cur != nil {
				out = append(out, WorkerSample{Level: th.level, Worker: th, GID: cur.gid, Label: cur.label, Start: cur.start})
			}
		}
		g.mu.Unlock()
	}
	return out
}

// StealTaskBatch attempts to steal work into thief from another worker in
// the same QoS group.
func (m *Manager) StealTaskBatch(level qos.Level, thief *scheduler.LocalFIFO) int {
	return m.sched.StealTaskBatch(level, thief)
}

// TryPoll acquires the shared poller on thread's behalf, pairing
// IntoPollWait/OutOfPollWait around the call as spec.md §4.G requires.
func (m *Manager) TryPoll(level qos.Level, timeoutMs int) poller.Result {
	m.mon.IntoPollWait(level)
	res := m.poll.PollOnce(timeoutMs)
	m.mon.OutOfPollWait(level)
	return res
}

// NotifyTaskAdded funnels a global-queue insertion into the QoS monitor.
func (m *Manager) NotifyTaskAdded(level qos.Level) { m.mon.Notify(level, qosmonitor.TaskAdded) }

// NotifyTaskPicked funnels a successful pickup into the QoS monitor.
func (m *Manager) NotifyTaskPicked(level qos.Level) { m.mon.Notify(level, qosmonitor.TaskPicked) }

// NotifyLocalTaskAdded funnels a task-local submission into the QoS monitor.
func (m *Manager) NotifyLocalTaskAdded(level qos.Level) { m.mon.Notify(level, qosmonitor.TaskLocal) }

// NotifyWorkers synchronously wakes and/or spawns up to n workers at level.
func (m *Manager) NotifyWorkers(level qos.Level, n int) { m.mon.NotifyWorkers(level, n) }

// Submit inserts t onto level's global queue and notifies the monitor,
// the entry point execunit/queue route task submissions through.
func (m *Manager) Submit(level qos.Level, t task.Task) bool {
	ok := m.sched.Wakeup(level, t, func() { m.NotifyTaskAdded(level) })
	return ok
}

// Teardown marks the Manager as tearing down, wakes every idle worker so
// it observes the flag and exits, and blocks until all worker goroutines
// have returned.
func (m *Manager) Teardown() {
	if !m.tearing.CompareAndSwap(false, true) {
		return
	}
	for level := qos.Level(0); int(level) < qos.NumLevels; level++ {
		m.sched.Teardown(level)
		g := m.groupFor(level)
		g.mu.Lock()
		idle := append([]*Thread(nil), g.idle...)
		g.mu.Unlock()
		for _, t := range idle {
			select {
			case t.wake <- struct{}{}:
			default:
			}
		}
	}
	m.wg.Wait()
	ffrtlog.Info("worker", "manager teardown complete")
}
