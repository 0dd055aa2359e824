package worker

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ffrt-go/ffrt/coroutine"
	"github.com/ffrt-go/ffrt/internal/ffrtlog"
	"github.com/ffrt-go/ffrt/poller"
	"github.com/ffrt-go/ffrt/qos"
	"github.com/ffrt-go/ffrt/scheduler"
	"github.com/ffrt-go/ffrt/task"
)

// idleAction is the result of WorkerIdleAction (spec.md §4.G/4.F): RETRY
// means loop back and try to pick up work again, RETIRE means exit the
// worker loop entirely.
type idleAction int

const (
	actionRetry idleAction = iota
	actionRetire
)

// pollTimeoutMs bounds a single TryPoll call so a worker can periodically
// recheck local/global queues and the tearing-down flag even if the poller
// never reports an event.
const pollTimeoutMs = 20

// Thread is one CPU worker: a goroutine running the pickup loop described
// in spec.md §4.G. It locks its OS thread the first time it calls into the
// poller and keeps it locked until the worker loop exits (an on-demand
// LockOSThread like eventloop.Loop.run's, which defers the cost until
// tick() needs kqueue/epoll affinity).
type Thread struct {
	level qos.Level
	mgr   *Manager
	local *scheduler.LocalFIFO
	env   *Env
	wake  chan struct{}
	// current is the task this thread is presently executing, if any; read
	// by Manager.Sample for the worker-sampling monitor without requiring a
	// lock shared with the hot pickup/runTask path.
	current atomic.Pointer[currentTask]
}

// currentTask is the snapshot Manager.Sample reports for a busy worker.
type currentTask struct {
	gid   uint64
	label string
	start time.Time
}

func newThread(level qos.Level, mgr *Manager) *Thread {
	t := &Thread{
		level: level,
		mgr:   mgr,
		local: mgr.sched.RegisterWorker(level),
		wake:  make(chan struct{}, 1),
	}
	t.env = newEnv(level, t)
	return t
}

// loop is the worker's main body: repeatedly pick up and run a task, or
// idle through the two-stage sleep, until retired.
func (t *Thread) loop() {
	defer t.mgr.workerRetired(t)
	var osThreadLocked bool
	defer func() {
		if osThreadLocked {
			runtime.UnlockOSThread()
		}
	}()

	for {
		if t.mgr.tearing.Load() {
			return
		}

		tk, polled, ok := t.pickup(&osThreadLocked)
		if ok {
			t.mgr.NotifyTaskPicked(t.level)
			t.runTask(tk)
			continue
		}
		if polled {
			// The poll itself may have unblocked a waiter or timer; loop
			// back immediately rather than going straight to idle sleep.
			continue
		}

		if t.idle() == actionRetire {
			return
		}
	}
}

// pickup tries, in order, the worker's own local FIFO, the global queue for
// its level, stealing from a sibling worker, then a bounded poll. polled
// reports whether a poll was attempted (so the caller can retry instead of
// idling even on a miss, since polling may have resolved unrelated waiters).
func (t *Thread) pickup(osThreadLocked *bool) (tk task.Task, polled bool, ok bool) {
	if tk, ok = t.local.PopLocal(); ok {
		return tk, false, true
	}
	if tk, ok = t.mgr.sched.PopGlobal(t.level); ok {
		return tk, false, true
	}
	if t.mgr.StealTaskBatch(t.level, t.local) > 0 {
		if tk, ok = t.local.PopLocal(); ok {
			return tk, false, true
		}
	}

	if !*osThreadLocked {
		runtime.LockOSThread()
		*osThreadLocked = true
	}
	res := t.mgr.TryPoll(t.level, pollTimeoutMs)
	return nil, res != poller.RetNull, false
}

// runTask binds tk to a Coroutine (fresh or resumed) and switches into it;
// an io-executor task is instead run to completion on the worker itself.
// If the switch-out leaves tk parked on an external wait (wait_fd, timer,
// condition variable), it is recorded in the Manager's parked registry
// rather than dropped: co_wake resubmits it, and the next runTask call for
// the same GID clears the record again.
func (t *Thread) runTask(tk task.Task) {
	t.mgr.taskRunning(tk)
	t.current.Store(&currentTask{gid: tk.GID(), label: tk.Label(), start: time.Now()})
	defer t.current.Store(nil)
	if tk.Variant() == task.VariantIOExecutor {
		// io-executor tasks run directly on the worker, with no coroutine.
		tk.SetState(task.Running)
		func() {
			defer func() {
				if r := recover(); r != nil {
					ffrtlog.Error("worker", "io-executor task panicked", "gid", tk.GID(), "panic", r)
				}
			}()
			tk.Execute()
			tk.Destroy()
		}()
		tk.SetState(task.Exited)
		return
	}
	c := coroutine.Bind(tk)
	if c.Start(t.env.Env, tk) {
		t.mgr.taskParked(t.level, tk)
	}
}

// idle implements the two-stage sleep of spec.md §4.F: a timed light sleep
// first, then either an untimed deep sleep (stack released, conceptually)
// or retirement, depending on whether idle-destroy is enabled.
func (t *Thread) idle() idleAction {
	t.mgr.mon.IntoSleep(t.level)
	t.mgr.markIdle(t)

	lightSleep := time.Duration(t.mgr.lightSleep[int(t.level)].Load())
	timer := time.NewTimer(lightSleep)
	defer timer.Stop()

	select {
	case <-t.wake:
		t.mgr.mon.WakeupSleep(t.level, false)
		return actionRetry
	case <-timer.C:
	}

	t.mgr.clearIdle(t)

	if t.mgr.idleDestroy.Load() {
		if remaining := t.mgr.mon.TryDestroy(t.level); !remaining {
			ffrtlog.Debug("worker", "retiring idle worker", "qos", t.level)
		}
		return actionRetire
	}

	// Deep sleep: release the stack (nothing to free explicitly in Go;
	// the goroutine's own stack shrinks naturally once idle), then block
	// without a timeout until explicitly woken.
	t.mgr.mon.IntoDeepSleep(t.level)
	t.mgr.markIdle(t)
	<-t.wake
	t.mgr.mon.WakeupDeepSleep(t.level, false)
	return actionRetry
}
