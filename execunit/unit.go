// Package execunit ties the scheduler, the shared poller and the per-QoS
// worker manager together into the single process-wide object every public
// submission path (package queue, package ffrt) ultimately calls into.
package execunit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffrt-go/ffrt/internal/ffrtlog"
	"github.com/ffrt-go/ffrt/poller"
	"github.com/ffrt-go/ffrt/qos"
	"github.com/ffrt-go/ffrt/scheduler"
	"github.com/ffrt-go/ffrt/task"
	"github.com/ffrt-go/ffrt/worker"
)

// Unit owns the scheduler, poller and worker manager for one runtime
// instance. Most processes only ever need Default; New exists for tests and
// for embedding more than one runtime in a single process.
type Unit struct {
	sched *scheduler.Scheduler
	poll  *poller.Poller
	mgr   *worker.Manager

	tgRefs [qos.NumLevels]atomic.Int64

	closeOnce sync.Once
}

// New constructs a standalone Unit with its own scheduler, poller and
// worker manager.
func New(opts ...worker.Option) (*Unit, error) {
	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	sched := scheduler.New()
	mgr := worker.New(sched, p, opts...)
	return &Unit{sched: sched, poll: p, mgr: mgr}, nil
}

var (
	defaultUnit     *Unit
	defaultUnitOnce sync.Once
	defaultUnitErr  error
)

// Default returns the process-wide singleton Unit, constructing it with
// default options on first use.
func Default() (*Unit, error) {
	defaultUnitOnce.Do(func() {
		defaultUnit, defaultUnitErr = New()
	})
	return defaultUnit, defaultUnitErr
}

// resetDefaultForTest clears the memoized singleton so tests can exercise
// Default's construction path in isolation. Unexported: test-only.
func resetDefaultForTest() {
	defaultUnit, defaultUnitErr = nil, nil
	defaultUnitOnce = sync.Once{}
}

// Manager exposes the underlying worker.Manager, e.g. for package queue and
// package monitor to observe queue depth or drive notifications directly.
func (u *Unit) Manager() *worker.Manager { return u.mgr }

// Scheduler exposes the underlying scheduler.Scheduler.
func (u *Unit) Scheduler() *scheduler.Scheduler { return u.sched }

// Submit enqueues t at level and wakes or spawns workers as needed.
func (u *Unit) Submit(level qos.Level, t task.Task) bool {
	return u.mgr.Submit(level, t)
}

// SetWorkerStackSize forwards to the worker manager.
func (u *Unit) SetWorkerStackSize(level qos.Level, bytes int64) bool {
	return u.mgr.SetWorkerStackSize(level, bytes)
}

// SetEscapeEnable forwards to the worker manager.
func (u *Unit) SetEscapeEnable(enabled bool) bool {
	return u.mgr.SetEscapeEnable(enabled)
}

// NotifyWorkers forwards to the worker manager.
func (u *Unit) NotifyWorkers(level qos.Level, n int) {
	u.mgr.NotifyWorkers(level, n)
}

// WaitFd forwards to the worker manager's wait_fd implementation; must be
// called from inside a task running on this Unit.
func (u *Unit) WaitFd(fd int, events poller.Events) []poller.Events {
	return u.mgr.WaitFd(fd, events)
}

// BindTG and UnbindTG track join/leave of level's worker group to a runtime
// thread group (RTG), the cgroup-like CPU scheduling class the original
// engine uses to co-schedule a QoS level's workers under one kernel
// scheduling entity. Go has no portable equivalent of RTG join/leave (it
// is an OpenHarmony-specific cgroup interface gated behind capabilities
// this module cannot assume), so these only maintain the reference count;
// no kernel call is made. Components that care whether a level is
// "TG-bound" read the count rather than any kernel state.
func (u *Unit) BindTG(level qos.Level) int64 {
	if !level.Valid() {
		return 0
	}
	return u.tgRefs[int(level)].Add(1)
}

func (u *Unit) UnbindTG(level qos.Level) int64 {
	if !level.Valid() {
		return 0
	}
	n := u.tgRefs[int(level)].Add(-1)
	if n < 0 {
		u.tgRefs[int(level)].Store(0)
		return 0
	}
	return n
}

// TGRefCount reports level's current bind count.
func (u *Unit) TGRefCount(level qos.Level) int64 {
	if !level.Valid() {
		return 0
	}
	return u.tgRefs[int(level)].Load()
}

// drainTimeout bounds how long Teardown waits for each group to report zero
// live workers before logging a warning and moving on.
const drainTimeout = time.Second

// Teardown drives the shutdown sequence: marks the manager as tearing down
// (which wakes every idle worker and rejects further submissions), then
// polls each QoS group for an empty thread set, logging if any group still
// has live threads once drainTimeout elapses. Idempotent.
func (u *Unit) Teardown() {
	u.closeOnce.Do(func() {
		u.mgr.Teardown()

		deadline := time.Now().Add(drainTimeout)
		for time.Now().Before(deadline) {
			if u.mgr.LiveWorkers() == 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		if n := u.mgr.LiveWorkers(); n > 0 {
			ffrtlog.Warn("execunit", "workers still live after teardown drain", "count", n)
		}

		if err := u.poll.Close(); err != nil {
			ffrtlog.Warn("execunit", "poller close failed", "error", err)
		}
		ffrtlog.Info("execunit", "unit teardown complete")
	})
}
