// Package loop implements the Loop API of SPEC_FULL.md §6: a dedicated
// event thread a Concurrent queue can bind to (queue.Queue.SetLoop)
// instead of having its delivery passes hop through the shared worker
// pool, plus a thin fd/timer surface over package poller for callers that
// want epoll-style I/O multiplexing on that same thread.
//
// Grounded on eventloop.Loop's run-loop shape (a dedicated goroutine
// blocking in PollOnce, woken by either I/O readiness or an explicit
// signal) and its stopOnce/closeOnce-guarded shutdown, simplified down
// from eventloop's StateAwake/StateRunning/StateTerminating/StateTerminated
// machine (which exists to support fast-path/slow-path switching and a
// promise registry this package has no use for) to a single atomic state
// value with the same three transitions that matter here: not yet
// started, running, stopped.
package loop

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffrt-go/ffrt/internal/ffrtlog"
	"github.com/ffrt-go/ffrt/poller"
	"github.com/ffrt-go/ffrt/queue"
)

var (
	// ErrLoopAlreadyRunning is returned by Run on a Loop that is already running.
	ErrLoopAlreadyRunning = errors.New("loop: already running")
	// ErrLoopTerminated is returned by Run and EpollCtl once the Loop has
	// been stopped or destroyed. TimerStart returns no error.
	ErrLoopTerminated = errors.New("loop: terminated")
)

const (
	stateIdle int32 = iota
	stateRunning
	stateTerminated
)

// pollTimeoutMs bounds each PollOnce call so the run loop periodically
// rechecks the wake channel and termination flag even without fd or timer
// activity.
const pollTimeoutMs = 20

// Loop is one dedicated event thread bound to a single Concurrent queue.
// It owns a private Poller (its own epoll instance) so EpollCtl/TimerStart
// registrations here never contend with the shared per-QoS pollers package
// worker uses.
type Loop struct {
	poll *poller.Poller
	q    *queue.Queue

	state atomic.Int32
	wake  chan struct{}
	done  chan struct{}

	stopOnce  sync.Once
	closeOnce sync.Once
}

// Create constructs a Loop and binds it to q via q.SetLoop, so q's
// delivery passes from here on are driven by this Loop's Run goroutine
// instead of the shared worker pool.
func Create(q *queue.Queue) (*Loop, error) {
	poll, err := poller.New()
	if err != nil {
		return nil, err
	}
	l := &Loop{
		poll: poll,
		q:    q,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	q.SetLoop(l)
	return l, nil
}

// NotifyDeliverable implements queue.Loop: q.kick calls this instead of
// submitting a placeholder to the scheduler, for any queue bound via
// SetLoop.
func (l *Loop) NotifyDeliverable(q *queue.Queue) {
	select {
	case l.wake <- struct{}{}:
	default:
	}
	l.poll.WakeUp()
}

// EpollCtl registers (OpAdd) or updates (OpMod) fd's event interest on this
// Loop's poller. cb is invoked on the Loop's own goroutine, with data
// passed back verbatim, whenever fd becomes ready.
func (l *Loop) EpollCtl(op poller.Op, fd int, events poller.Events, data any, cb func(data any, events poller.Events)) error {
	if l.state.Load() == stateTerminated {
		return ErrLoopTerminated
	}
	return l.poll.AddFdEvent(op, events, fd, func(ev poller.Events) {
		l.safeExecute(func() { cb(data, ev) })
	})
}

// EpollCtlDel deregisters fd, mirroring the original's paired add/del
// calls (spec.md §6's EpollCtl covers both add and modify; deletion is
// exposed separately since Go's error shape for "not registered" differs
// usefully from a third Op value).
func (l *Loop) EpollCtlDel(fd int) error {
	return l.poll.DelFdEvent(fd)
}

// TimerStart arms a one-shot or repeating timer on this Loop's poller. cb
// runs on the Loop's own goroutine, data passed back verbatim.
func (l *Loop) TimerStart(ms int64, data any, cb func(data any), repeat bool) poller.TimerHandle {
	return l.poll.RegisterTimer(time.Duration(ms)*time.Millisecond, repeat, func(d any) {
		l.safeExecute(func() { cb(d) })
	}, data)
}

// TimerStop cancels a timer previously armed with TimerStart, blocking
// until any in-progress firing of handle's callback has finished.
func (l *Loop) TimerStop(handle poller.TimerHandle) {
	l.poll.UnregisterTimer(handle)
}

// Run drives this Loop's event thread on the calling goroutine until Stop
// is called. Returns ErrLoopAlreadyRunning if already running, or
// ErrLoopTerminated if Destroy has already run.
func (l *Loop) Run() error {
	if !l.state.CompareAndSwap(stateIdle, stateRunning) {
		switch l.state.Load() {
		case stateRunning:
			return ErrLoopAlreadyRunning
		default:
			return ErrLoopTerminated
		}
	}
	defer close(l.done)

	for l.state.Load() == stateRunning {
		select {
		case <-l.wake:
			l.safeExecute(l.q.Deliver)
		default:
		}
		l.poll.PollOnce(pollTimeoutMs)
	}
	return nil
}

// Stop signals Run's loop to exit and blocks until it has. Safe to call
// more than once, and safe even if Run was never called (the loop simply
// transitions straight to terminated without ever having run).
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		if l.state.CompareAndSwap(stateIdle, stateTerminated) {
			close(l.done)
			return
		}
		l.state.Store(stateTerminated)
		l.poll.WakeUp()
		<-l.done
	})
}

// Destroy stops the loop (if running), unbinds it from its queue, and
// releases the underlying poller. Mirrors eventloop.Loop's closeOnce-
// guarded closeFDs, split out from Stop so repeated Destroy calls are
// idempotent independent of Stop's own idempotence.
func (l *Loop) Destroy() {
	l.Stop()
	l.closeOnce.Do(func() {
		l.q.SetLoop(nil)
		if err := l.poll.Close(); err != nil {
			ffrtlog.Warn("loop", "poller close failed", "error", err)
		}
	})
}

// safeExecute runs fn with panic recovery, so one misbehaving callback
// can't take down the whole event thread; grounded on
// eventloop.Loop.safeExecute's identical guard around every task/timer/
// poller callback invocation.
func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			ffrtlog.Warn("loop", "callback panicked", "recovered", r)
		}
	}()
	fn()
}
