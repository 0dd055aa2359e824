// Package ffrt is the process-wide entry point: direct (queue-less)
// submission onto the global scheduler, queue construction, and a
// diagnostic Dump spanning every live queue and worker group. Most callers
// that only need serial/concurrent delivery never import this package at
// all and go straight to package queue; ffrt exists for the subset of
// spec.md §6's external interface that has no natural home on a single
// component (bare submit/wait, and the aggregate dump).
package ffrt

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ffrt-go/ffrt/execunit"
	"github.com/ffrt-go/ffrt/poller"
	"github.com/ffrt-go/ffrt/qos"
	"github.com/ffrt-go/ffrt/queue"
	"github.com/ffrt-go/ffrt/task"
)

// Re-exported so a caller that only imports package ffrt still has the full
// submission vocabulary without a second import of package queue or qos.
type (
	Kind     = queue.Kind
	Priority = queue.Priority
	Level    = qos.Level
	Events   = poller.Events
)

const (
	EventRead   = poller.EventRead
	EventWrite  = poller.EventWrite
	EventError  = poller.EventError
	EventHangup = poller.EventHangup
)

const (
	Serial                  = queue.Serial
	Concurrent              = queue.Concurrent
	EventHandlerInteractive = queue.EventHandlerInteractive
	EventHandlerAdapter     = queue.EventHandlerAdapter
)

const (
	VIP       = queue.VIP
	Immediate = queue.Immediate
	High      = queue.High
	Low       = queue.Low
	Idle      = queue.Idle
)

const (
	Background      = qos.Background
	Utility         = qos.Utility
	DefaultLevel    = qos.DefaultLevel
	UserInitiated   = qos.UserInitiated
	UserInteractive = qos.UserInteractive
	Inherit         = qos.Inherit
	Default         = qos.Default
)

// Submit enqueues fn directly onto the global scheduler at attr.QoS,
// bypassing any queue. attr.DelayUS, if positive, defers the actual
// scheduler insertion (the task's GID is assigned immediately so a caller
// can Cancel-by-handle semantics line up, but nothing runs before the
// delay elapses); attr.TimeoutUS/TimeoutCB arm the same one-shot watchdog
// pattern package queue uses for its own dispatch.
func Submit(fn func(), attr task.Attr) (task.Handle, error) {
	u, err := execunit.Default()
	if err != nil {
		return task.Handle{}, err
	}
	tk := newSubmitTask(fn, attr, nil)
	scheduleSubmit(u, tk, attr)
	return task.Handle{GID: tk.GID()}, nil
}

// SubmitWait is Submit, except the calling goroutine blocks until fn has
// returned. It tracks the wait with Task.IncWaitRef/DecWaitRef rather than
// the delete-ref pair Destroy uses, per SPEC_FULL.md's note that the two
// counters must never be merged.
func SubmitWait(fn func(), attr task.Attr) error {
	u, err := execunit.Default()
	if err != nil {
		return err
	}
	done := make(chan struct{})
	tk := newSubmitTask(fn, attr, func() { close(done) })
	tk.IncWaitRef()
	scheduleSubmit(u, tk, attr)
	<-done
	tk.DecWaitRef()
	return nil
}

// newSubmitTask builds the Normal task Submit/SubmitWait both schedule,
// wrapping fn with the timeout watchdog and, if non-nil, an after-hook run
// once fn returns (SubmitWait's completion signal).
func newSubmitTask(fn func(), attr task.Attr, after func()) *task.Normal {
	return task.NewNormal(func() {
		runWithTimeoutWatchdog(fn, attr)
		if after != nil {
			after()
		}
	}, attr)
}

// scheduleSubmit submits tk to u at attr's resolved QoS, honoring
// attr.DelayUS by deferring the scheduler insertion rather than the task
// construction (so Submit's returned Handle is valid immediately).
func scheduleSubmit(u *execunit.Unit, tk *task.Normal, attr task.Attr) {
	level := qos.Resolve(attr.QoS, qos.DefaultLevel)
	if attr.DelayUS > 0 {
		time.AfterFunc(time.Duration(attr.DelayUS)*time.Microsecond, func() {
			u.Submit(level, tk)
		})
		return
	}
	u.Submit(level, tk)
}

// runWithTimeoutWatchdog arms a one-shot timer at attr.TimeoutUS (if
// positive) that invokes attr.TimeoutCB unless fn has already returned,
// mirroring queue.Queue.runOne's watchdog without a per-queue delayed-cb
// counter (there is no queue here for Destroy to wait on).
func runWithTimeoutWatchdog(fn func(), attr task.Attr) {
	if attr.TimeoutUS <= 0 {
		fn()
		return
	}
	done := make(chan struct{})
	timer := time.AfterFunc(time.Duration(attr.TimeoutUS)*time.Microsecond, func() {
		select {
		case <-done:
		default:
			if attr.TimeoutCB != nil {
				attr.TimeoutCB(attr.Label)
			}
		}
	})
	defer timer.Stop()
	fn()
	close(done)
}

// WaitFd is wait_fd: called from inside a running task, it parks the
// calling coroutine until fd is ready for one of events, or returns
// immediately if an event already arrived before the call, without blocking
// the worker OS thread that was running the task (spec.md §8 scenario 7).
// Calling it outside a task body submitted through this package is a
// programming error; see worker.Manager.WaitFd.
func WaitFd(fd int, events poller.Events) ([]poller.Events, error) {
	u, err := execunit.Default()
	if err != nil {
		return nil, err
	}
	return u.WaitFd(fd, events), nil
}

// QueueCreate constructs a queue of kind kind bound to the process-wide
// execution unit, registering it for Dump(DumpInfoAll). Returns
// task.ErrFailed for an unrecognized kind or a negative MaxConcurrency.
func QueueCreate(kind queue.Kind, name string, attr queue.Attr) (*queue.Queue, error) {
	switch kind {
	case queue.Serial, queue.Concurrent, queue.EventHandlerInteractive, queue.EventHandlerAdapter:
	default:
		return nil, task.ErrFailed
	}
	if attr.MaxConcurrency < 0 {
		return nil, task.ErrFailed
	}
	u, err := execunit.Default()
	if err != nil {
		return nil, err
	}
	q := queue.New(u, kind, name, attr)
	registerQueue(q)
	return q, nil
}

// dumpRegistry tracks every queue ever created through QueueCreate, for
// Dump(DumpInfoAll). Entries are never pruned on Destroy: nothing in the
// public surface notifies this package when a *queue.Queue is destroyed
// (queue.Queue.Destroy is called directly, without routing back through
// ffrt), so a destroyed queue still appears in the dump, reporting its
// exited state rather than disappearing silently.
var (
	dumpMu sync.Mutex
	queues []*queue.Queue
)

func registerQueue(q *queue.Queue) {
	dumpMu.Lock()
	queues = append(queues, q)
	dumpMu.Unlock()
}

// DumpMode selects which section of the process-wide report Dump returns.
type DumpMode int

const (
	// DumpInfoAll reports every registered queue's own Dump output plus a
	// snapshot of every currently-busy worker.
	DumpInfoAll DumpMode = iota
	// DumpTaskStatisticInfo reports per-QoS pending task counts and the
	// total live worker count.
	DumpTaskStatisticInfo
)

// Dump formats a process-wide diagnostic report, distinct from
// (*queue.Queue).Dump's per-queue variant.
func Dump(mode DumpMode) string {
	u, err := execunit.Default()
	if err != nil {
		return fmt.Sprintf("ffrt: dump unavailable: %v", err)
	}

	var b strings.Builder
	switch mode {
	case DumpTaskStatisticInfo:
		b.WriteString("task statistics:\n")
		for level := qos.Min; level <= qos.Max; level++ {
			fmt.Fprintf(&b, "  qos=%s pending=%d\n", level, u.Manager().GetTaskCount(level))
		}
		fmt.Fprintf(&b, "  live_workers=%d\n", u.Manager().LiveWorkers())

	case DumpInfoAll:
		b.WriteString("queues:\n")
		dumpMu.Lock()
		snapshot := append([]*queue.Queue(nil), queues...)
		dumpMu.Unlock()
		for _, q := range snapshot {
			b.WriteString(q.Dump("all", true))
			b.WriteByte('\n')
		}

		b.WriteString("workers:\n")
		for _, s := range u.Manager().Sample() {
			fmt.Fprintf(&b, "  qos=%s gid=%d label=%q running_since=%s\n",
				s.Level, s.GID, s.Label, s.Start.Format(time.RFC3339Nano))
		}

	default:
		return fmt.Sprintf("ffrt: unknown dump mode %d", mode)
	}
	return b.String()
}
