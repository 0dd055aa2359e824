// Package coroutine implements the cooperative task-execution engine:
// a worker goroutine "switches into" a coroutine goroutine through a pair of
// unbuffered handoff channels, the idiomatic Go stand-in for the
// register-level context switch the original engine performs. Exactly one
// of the two goroutines runs at a time; the channel rendezvous is the
// synchronization primitive that makes that true, so neither side needs a
// mutex to touch the shared Coroutine state while the other is parked.
package coroutine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ffrt-go/ffrt/internal/ffrtlog"
	"github.com/ffrt-go/ffrt/task"
)

func fatal(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	ffrtlog.Emergency("coroutine", msg)
	panic(msg)
}

// Env is the thread-local environment a worker goroutine carries across the
// tasks it runs: a pointer to the coroutine currently bound to it. The
// predicate stored by Wait lives on the Coroutine, not here. One Env per
// worker.
type Env struct {
	running *Coroutine
}

// Running returns the coroutine currently bound to this environment, or nil.
func (e *Env) Running() *Coroutine { return e.running }

var registry sync.Map // goroutine id (int64) -> *Coroutine

// Current returns the Coroutine owning the calling goroutine, or nil if the
// calling goroutine is not a coroutine body (e.g. it is a worker loop
// between dispatches, or unrelated code).
func Current() *Coroutine {
	v, ok := registry.Load(goroutineID())
	if !ok {
		return nil
	}
	return v.(*Coroutine)
}

// bindings tracks which Coroutine a not-yet-finished task is bound to, so a
// worker picking up a task for the second or subsequent time (after it
// parked on co_wait) resumes the same Coroutine rather than starting a
// fresh one. Analogous to the original's task->coroutine handle stored
// inline on the task struct; kept external here since task.Task is an
// interface with subtypes the coroutine package doesn't otherwise touch.
var bindings sync.Map // task.Task -> *Coroutine

// Bind returns the Coroutine already bound to t if one is parked awaiting
// resumption, or acquires a fresh one from the pool for a first run.
func Bind(t task.Task) *Coroutine {
	if v, ok := bindings.Load(t); ok {
		return v.(*Coroutine)
	}
	c := Acquire()
	actual, loaded := bindings.LoadOrStore(t, c)
	if loaded {
		release(c)
		return actual.(*Coroutine)
	}
	return c
}

var pool = sync.Pool{
	New: func() any {
		return &Coroutine{
			resume:  make(chan struct{}),
			suspend: make(chan struct{}),
		}
	},
}

// Coroutine is exclusively owned by at most one task at a time. It carries
// no stack size: Go manages goroutine stacks itself, so there is no
// allocation to size here.
type Coroutine struct {
	generation atomic.Uint64
	resume     chan struct{}
	suspend    chan struct{}

	task    task.Task
	env     *Env
	pending func() bool

	started atomic.Bool
	done    atomic.Bool
}

// Acquire returns a Coroutine from the shared pool, the Go analogue of the
// slab allocator handing out a pooled stack in O(1).
func Acquire() *Coroutine {
	c := pool.Get().(*Coroutine)
	return c
}

func release(c *Coroutine) {
	c.task = nil
	c.env = nil
	c.pending = nil
	c.started.Store(false)
	c.done.Store(false)
	pool.Put(c)
}

// Generation reports the canary-equivalent generation counter, incremented
// on every switch-in. Exposed for tests.
func (c *Coroutine) Generation() uint64 { return c.generation.Load() }

// Task returns the task currently bound to c, or nil. Used by runtime
// primitives (wait_fd) that park the calling coroutine and need to identify
// which task they are acting on without threading it through every call.
func (c *Coroutine) Task() task.Task { return c.task }

// Start is co_start: binds t to c if not already bound, switches the
// calling (worker) goroutine into the coroutine, and blocks until the
// coroutine suspends at a parking point or exits.
//
// It returns parked=true if the task suspended with ownership transferred
// to a synchronization primitive (the worker must not touch the coroutine
// again until co_wake); parked=false means the task ran to completion and
// the Coroutine has been released back to the pool.
func (c *Coroutine) Start(env *Env, t task.Task) (parked bool) {
	first := c.task == nil
	if first {
		c.started.Store(true)
		c.task = t
		c.env = env
		t.SetStatus(task.StatusRunning)
		go c.run()
	} else if c.task != t {
		fatal("coroutine: Start called with a different task than the one it is bound to")
	} else {
		t.SetStatus(task.StatusRunning)
	}

	env.running = c

	for {
		myGen := c.generation.Add(1)
		c.resume <- struct{}{}
		<-c.suspend

		if c.generation.Load() != myGen {
			fatal("coroutine: generation mismatch on switch-out (sp=%p): possible reuse-after-release", c)
		}

		if c.done.Load() {
			env.running = nil
			bindings.Delete(t)
			release(c)
			return false
		}

		pred := c.pending
		c.pending = nil
		if pred == nil {
			// Task suspended without registering a predicate: treat as a
			// fast wake and resume immediately.
			continue
		}
		if pred() {
			// Ownership transferred to a synchronization object (poller
			// wait list, timer, condition variable). The worker returns
			// without freeing the coroutine; co_wake resumes it later.
			return true
		}
		// Fast wake: the predicate returned false (the awaited condition
		// already holds); loop back and switch in again immediately.
	}
}

func (c *Coroutine) run() {
	<-c.resume
	registry.Store(goroutineID(), c)
	defer registry.Delete(goroutineID())

	func() {
		defer func() {
			if r := recover(); r != nil {
				ffrtlog.Error("coroutine", "task panicked", "gid", c.task.GID(), "panic", fmt.Sprint(r))
			}
		}()
		c.task.Execute()
		c.task.Destroy()
	}()

	c.task.SetState(task.Exited)
	c.task.SetStatus(task.Uninitialized)
	c.done.Store(true)
	c.suspend <- struct{}{}
}

// Yield is co_yield: called from inside the running coroutine body. It
// parks the task with status NotFinish and hands control back to the
// worker's Start loop, without registering a wake predicate, so the Start
// loop treats it as a fast wake and switches straight back in.
func Yield() {
	c := Current()
	if c == nil {
		fatal("coroutine: Yield called outside a coroutine body")
	}
	c.task.SetStatus(task.NotFinish)
	c.suspend <- struct{}{}
	<-c.resume
}

// Wait is co_wait: stores pred and yields. pred is invoked by the worker's
// Start loop after the switch-out completes; if it returns true, the task
// is considered parked on an external synchronization primitive.
func Wait(pred func() bool) {
	c := Current()
	if c == nil {
		fatal("coroutine: Wait called outside a coroutine body")
	}
	c.pending = pred
	Yield()
}

// resubmit is the scheduler hook Wake uses to hand a parked task back for
// redispatch. Package coroutine cannot import package worker (worker already
// imports coroutine for Bind/Start), so worker.New installs this once at
// Manager construction instead.
var resubmit atomic.Pointer[func(task.Task)]

// SetResubmitter installs fn as the hook Wake calls after marking a task
// Ready. Passing a nil fn disables resubmission (Wake only updates state).
func SetResubmitter(fn func(task.Task)) {
	resubmit.Store(&fn)
}

// Wake is co_wake: transitions a previously-parked task back to Ready and,
// if a resubmitter is installed, hands it back to the scheduler so a worker
// picks it up and resumes the same Coroutine from where Wait left it
// blocked. timedOut is accepted so callers can state whether the wake was
// timeout-driven, but Wake does not act on it: both kinds of wake take the
// same path.
func Wake(t task.Task, timedOut bool) {
	_ = timedOut
	t.SetState(task.Ready)
	if p := resubmit.Load(); p != nil && *p != nil {
		(*p)(t)
	}
}
