// Package poller implements the epoll-backed I/O multiplexer and timer
// wheel described in spec.md §4.B. Each Poller wraps a private epoll
// instance with a self-wake eventfd so a blocked PollOnce can be
// interrupted. Package execunit creates a single Poller that the workers of
// every QoS group share, and that also serves wait_fd; package loop creates
// a private one per Loop. There is no per-QoS Poller.
//
// Timers share the same PollOnce call: the soonest deadline across the
// timer map bounds the epoll_wait timeout, so a single goroutine can service
// both fd readiness and timer expiry without a second polling loop.
package poller

import (
	"errors"
)

// Op selects the epoll_ctl-equivalent operation for AddFdEvent.
type Op int

const (
	OpAdd Op = iota
	OpMod
)

// Events is the bitmask of I/O conditions a registration is interested in
// or that PollOnce observed.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// Result is PollOnce's return classification, mirroring the original's
// RET_TIMER / RET_EPOLL / RET_NULL trichotomy.
type Result int

const (
	RetNull Result = iota
	RetEpoll
	RetTimer
)

var (
	// ErrFDAlreadyRegistered is returned by AddFdEvent(OpAdd, ...) when a
	// registration already exists for the fd.
	ErrFDAlreadyRegistered = errors.New("poller: fd already registered")
	// ErrFDNotRegistered is returned by AddFdEvent(OpMod, ...) and
	// DelFdEvent when no registration exists for the fd.
	ErrFDNotRegistered = errors.New("poller: fd not registered")
	// ErrClosed is returned once the poller has been closed.
	ErrClosed = errors.New("poller: closed")
)

// Callback is invoked synchronously, from within PollOnce, when a
// registered fd becomes ready.
type Callback func(Events)

// TimerHandle identifies a registered timer for UnregisterTimer.
type TimerHandle uint64

// TimerCallback is invoked when a timer fires, with the data the timer was
// registered with.
type TimerCallback func(data any)

// HandleState tracks whether a firing timer callback is mid-execution, so
// UnregisterTimer can wait for it to finish rather than racing a concurrent
// free of the callback's captured arguments.
type HandleState int32

const (
	HandleIdle HandleState = iota
	HandleExecuting
	HandleExecuted
)
