//go:build linux

package poller

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffrt-go/ffrt/coroutine"
	"github.com/ffrt-go/ffrt/internal/ffrtlog"
	"github.com/ffrt-go/ffrt/task"
	"golang.org/x/sys/unix"
)

// registration is one AddFdEvent entry: either a user callback or a task
// parked in WaitFdEvent, never both.
type registration struct {
	events Events
	cb     Callback
	waiter task.Task
}

// Poller is one epoll instance, plus the timer map and per-task wait/cache
// bookkeeping that share its polling loop. A Poller has no QoS level of its
// own: package execunit shares one Poller across all QoS groups.
type Poller struct {
	epfd   int
	wakeFD int

	fdMu        sync.Mutex
	wakeDataMap map[int]*registration
	delCntMap   map[int]int

	timerMu sync.Mutex
	timers  timerHeap
	nextID  uint64

	handleMu       sync.Mutex
	executedHandle map[TimerHandle]HandleState

	waitMu sync.Mutex
	// waitTaskMap holds a task that has registered intent to wait (via
	// WaitFdEvent) but whose event has not yet arrived; dispatch moves an
	// entry here into cachedTaskEvents and wakes the task once its fd fires.
	waitTaskMap      map[task.Task]struct{}
	cachedTaskEvents map[task.Task][]Events

	// pollGate admits at most one caller inside PollOnce of this Poller at
	// a time (with the shared Poller, one worker across all QoS groups); a
	// non-blocking TryLock stand-in via a buffered channel of size 1.
	pollGate chan struct{}

	closed atomic.Bool
}

// New creates and initializes a Poller: an epoll instance plus a self-wake
// eventfd registered for EventRead so WakeUp can interrupt a blocked
// PollOnce.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	p := &Poller{
		epfd:             epfd,
		wakeFD:           wakeFD,
		wakeDataMap:      make(map[int]*registration),
		delCntMap:        make(map[int]int),
		executedHandle:   make(map[TimerHandle]HandleState),
		waitTaskMap:      make(map[task.Task]struct{}),
		cachedTaskEvents: make(map[task.Task][]Events),
		pollGate:         make(chan struct{}, 1),
	}
	p.pollGate <- struct{}{}

	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFD)
		return nil, err
	}

	return p, nil
}

// Close releases the epoll and eventfd descriptors. Not safe to call
// concurrently with PollOnce.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = unix.Close(p.wakeFD)
	return unix.Close(p.epfd)
}

// WakeUp interrupts a blocked PollOnce by writing to the self-wake eventfd.
func (p *Poller) WakeUp() {
	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(p.wakeFD, buf[:])
}

func eventsToEpoll(e Events) uint32 {
	var out uint32
	if e&EventRead != 0 {
		out |= unix.EPOLLIN
	}
	if e&EventWrite != 0 {
		out |= unix.EPOLLOUT
	}
	if e&EventError != 0 {
		out |= unix.EPOLLERR
	}
	if e&EventHangup != 0 {
		out |= unix.EPOLLHUP
	}
	return out
}

func epollToEvents(e uint32) Events {
	var out Events
	if e&unix.EPOLLIN != 0 {
		out |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		out |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		out |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		out |= EventHangup
	}
	return out
}

// AddFdEvent registers (OpAdd) or replaces (OpMod) an fd's event interest
// and callback. Exactly one of cb/waiter-based registration may be active
// for a given fd at a time.
func (p *Poller) AddFdEvent(op Op, events Events, fd int, cb Callback) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.fdMu.Lock()
	_, exists := p.wakeDataMap[fd]
	switch op {
	case OpAdd:
		if exists {
			p.fdMu.Unlock()
			return ErrFDAlreadyRegistered
		}
	case OpMod:
		if !exists {
			p.fdMu.Unlock()
			return ErrFDNotRegistered
		}
	}
	p.wakeDataMap[fd] = &registration{events: events, cb: cb}
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	ctlOp := unix.EPOLL_CTL_ADD
	if op == OpMod {
		ctlOp = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(p.epfd, ctlOp, fd, ev); err != nil {
		p.fdMu.Lock()
		delete(p.wakeDataMap, fd)
		p.fdMu.Unlock()
		return err
	}
	return nil
}

// DelFdEvent issues EPOLL_CTL_DEL and defers releasing the fd's bookkeeping
// until the in-flight PollOnce (if any) has finished dispatching events for
// it, via ReleaseFdWakeData.
func (p *Poller) DelFdEvent(fd int) error {
	p.fdMu.Lock()
	if _, ok := p.wakeDataMap[fd]; !ok {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	p.delCntMap[fd]++
	p.fdMu.Unlock()

	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	p.WakeUp()
	return err
}

// releaseFdWakeData collapses pending deletions recorded during the most
// recent PollOnce: any fd whose delete count is still positive after event
// dispatch has drained is now safe to forget.
func (p *Poller) releaseFdWakeData() {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	for fd, n := range p.delCntMap {
		if n <= 0 {
			continue
		}
		delete(p.wakeDataMap, fd)
		delete(p.delCntMap, fd)
	}
}

// RegisterTimer arms a one-shot or repeating timer; if the new deadline is
// sooner than the current head, it wakes a blocked PollOnce so the new
// deadline is observed immediately.
func (p *Poller) RegisterTimer(d time.Duration, repeat bool, cb TimerCallback, data any) TimerHandle {
	p.timerMu.Lock()
	p.nextID++
	handle := TimerHandle(p.nextID)
	entry := &timerEntry{
		handle:   handle,
		deadline: time.Now().Add(d).UnixNano(),
		interval: int64(d),
		repeat:   repeat,
		cb:       cb,
		data:     data,
	}
	wasHead := p.timers.peek()
	heapPush(&p.timers, entry)
	p.timerMu.Unlock()

	p.handleMu.Lock()
	p.executedHandle[handle] = HandleIdle
	p.handleMu.Unlock()

	if wasHead == nil || entry.deadline < wasHead.deadline {
		p.WakeUp()
	}
	return handle
}

// UnregisterTimer removes a timer. If the timer's callback is currently
// executing, it spins briefly until the callback finishes, avoiding a
// use-after-free on the callback's captured arguments.
func (p *Poller) UnregisterTimer(handle TimerHandle) {
	p.timerMu.Lock()
	for i, e := range p.timers {
		if e.handle == handle {
			heapRemove(&p.timers, i)
			break
		}
	}
	p.timerMu.Unlock()

	for {
		p.handleMu.Lock()
		state := p.executedHandle[handle]
		if state != HandleExecuting {
			delete(p.executedHandle, handle)
			p.handleMu.Unlock()
			return
		}
		p.handleMu.Unlock()
		runtimeGosched()
	}
}

// WaitFdEvent registers the calling task as the parked waiter for fd (first
// call) and returns cached events immediately if PollOnce already observed
// one before the task parked (the "event-then-wait" race spec.md §8
// exercises explicitly). A nil, false-ish return means the caller must park
// via coroutine.Wait(func() bool { return !p.HasCachedEvent(t) }) — Wait's
// predicate means "stay parked", the opposite of HasCachedEvent's "event
// has arrived", so callers must negate it. dispatch wakes the task directly
// (via coroutine.Wake) once its fd fires, so the caller never needs to poll
// HasCachedEvent itself; it only has to re-call WaitFdEvent after Wait
// returns to collect the now-cached events.
func (p *Poller) WaitFdEvent(t task.Task, fd int, events Events) ([]Events, bool) {
	p.waitMu.Lock()
	if cached, ok := p.cachedTaskEvents[t]; ok {
		delete(p.cachedTaskEvents, t)
		p.waitMu.Unlock()
		p.fdMu.Lock()
		reg := p.wakeDataMap[fd]
		p.fdMu.Unlock()
		if reg != nil {
			_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
				Events: eventsToEpoll(reg.events),
				Fd:     int32(fd),
			})
		}
		return cached, true
	}
	p.waitTaskMap[t] = struct{}{}
	p.waitMu.Unlock()

	p.fdMu.Lock()
	_, exists := p.wakeDataMap[fd]
	if !exists {
		p.wakeDataMap[fd] = &registration{events: events, waiter: t}
	}
	p.fdMu.Unlock()
	if !exists {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: eventsToEpoll(events),
			Fd:     int32(fd),
		})
	}
	return nil, false
}

// HasCachedEvent reports whether PollOnce delivered an event for t's parked
// wait before it was consumed. Exposed mainly for tests; callers
// implementing wait_fd on top of Poller should negate it when building the
// predicate passed to coroutine.Wait (see WaitFdEvent).
func (p *Poller) HasCachedEvent(t task.Task) bool {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	_, ok := p.cachedTaskEvents[t]
	return ok
}

// PollOnce services one round: compute the effective timeout against the
// soonest timer deadline, run due timers if any are already elapsed, else
// block in epoll_wait, then dispatch fd events. pollGate lets at most one
// caller into PollOnce at a time; a second caller returns RetNull at once.
func (p *Poller) PollOnce(timeoutMs int) Result {
	select {
	case <-p.pollGate:
	default:
		return RetNull
	}
	defer func() { p.pollGate <- struct{}{} }()

	if fired := p.runDueTimers(); fired {
		return RetTimer
	}

	effTimeout := p.effectiveTimeout(timeoutMs)

	var buf [256]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, buf[:], effTimeout)
	if err != nil {
		if err == unix.EINTR {
			return RetNull
		}
		ffrtlog.Warn("poller", "epoll_wait failed", "err", err)
		return RetNull
	}
	if n == 0 {
		if p.runDueTimers() {
			return RetTimer
		}
		return RetNull
	}

	delivered := p.dispatch(buf[:n])
	p.releaseFdWakeData()
	if delivered {
		return RetEpoll
	}
	return RetNull
}

func (p *Poller) effectiveTimeout(callerMs int) int {
	p.timerMu.Lock()
	head := p.timers.peek()
	p.timerMu.Unlock()
	if head == nil {
		return callerMs
	}
	remainMs := int((head.deadline - time.Now().UnixNano()) / int64(time.Millisecond))
	if remainMs < 0 {
		remainMs = 0
	}
	if callerMs < 0 || remainMs < callerMs {
		return remainMs
	}
	return callerMs
}

func (p *Poller) runDueTimers() bool {
	now := time.Now().UnixNano()
	var fired bool
	for {
		p.timerMu.Lock()
		head := p.timers.peek()
		if head == nil || head.deadline > now {
			p.timerMu.Unlock()
			break
		}
		heapPop(&p.timers)
		p.timerMu.Unlock()

		p.handleMu.Lock()
		p.executedHandle[head.handle] = HandleExecuting
		p.handleMu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					ffrtlog.Error("poller", "timer callback panicked", "panic", r)
				}
			}()
			head.cb(head.data)
		}()

		p.handleMu.Lock()
		p.executedHandle[head.handle] = HandleExecuted
		p.handleMu.Unlock()

		if head.repeat {
			head.deadline = now + head.interval
			p.timerMu.Lock()
			heapPush(&p.timers, head)
			p.timerMu.Unlock()
		}
		fired = true
	}
	return fired
}

func (p *Poller) dispatch(events []unix.EpollEvent) bool {
	var delivered bool
	for _, ev := range events {
		fd := int(ev.Fd)
		if fd == p.wakeFD {
			var buf [8]byte
			_, _ = unix.Read(p.wakeFD, buf[:])
			continue
		}

		p.fdMu.Lock()
		reg := p.wakeDataMap[fd]
		p.fdMu.Unlock()
		if reg == nil {
			continue
		}
		gotEvents := epollToEvents(ev.Events)

		if reg.cb != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						ffrtlog.Error("poller", "fd callback panicked", "fd", fd, "panic", r)
					}
				}()
				reg.cb(gotEvents)
			}()
			delivered = true
			continue
		}

		p.waitMu.Lock()
		_, wasWaiting := p.waitTaskMap[reg.waiter]
		delete(p.waitTaskMap, reg.waiter)
		p.cachedTaskEvents[reg.waiter] = append(p.cachedTaskEvents[reg.waiter], gotEvents)
		p.waitMu.Unlock()

		// Mask further events until the task consumes the cache, either by
		// re-calling WaitFdEvent directly (event arrived before any wait)
		// or after coroutine.Wake resumes it below.
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: 0, Fd: int32(fd)})
		delivered = true

		if wasWaiting {
			// The task had already parked via coroutine.Wait; it owns no
			// running goroutine of its own right now, so nothing resumes it
			// without this co_wake.
			coroutine.Wake(reg.waiter, false)
		}
	}
	return delivered
}
