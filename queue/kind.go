// Package queue implements the queue handler variants described in
// SPEC_FULL.md §4.E: serial and concurrent FIFOs, an event-handler
// interactive queue, and a priority-partitioned adapter queue. Every
// variant shares submission, delivery, timeout-watchdog, and cancellation
// logic; only due-batch ordering and history bookkeeping differ.
package queue

import (
	"github.com/ffrt-go/ffrt/qos"
)

// Kind selects which queue variant a Queue implements.
type Kind int

const (
	// Serial dispatches one due task at a time, in submission order.
	Serial Kind = 0
	// Concurrent runs up to Attr.MaxConcurrency due tasks of a batch in
	// parallel (one at a time when MaxConcurrency is 1 or less), and may
	// route delivery through a bound Loop instead of the scheduler (see
	// Queue.SetLoop).
	Concurrent Kind = 1
	// EventHandlerInteractive binds an opaque external event-handler
	// object to the queue (see Attr.EventHandler); dispatch ordering is
	// otherwise identical to Serial. Value 2 is reserved (unused, kept
	// free to match the numbering callers migrating from the original
	// queue-kind table expect).
	EventHandlerInteractive Kind = 3
	// EventHandlerAdapter partitions submissions into five priority
	// sub-queues (VIP down to Idle) and debounces bursty arrivals through
	// a batcher before kicking delivery.
	EventHandlerAdapter Kind = 4
)

func (k Kind) String() string {
	switch k {
	case Serial:
		return "serial"
	case Concurrent:
		return "concurrent"
	case EventHandlerInteractive:
		return "eventhandler_interactive"
	case EventHandlerAdapter:
		return "eventhandler_adapter"
	default:
		return "kind(?)"
	}
}

// Priority orders the adapter variant's sub-queues; lower value is more
// urgent. Non-adapter kinds ignore Priority entirely.
type Priority int

const (
	VIP Priority = iota
	Immediate
	High
	Low
	Idle
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case VIP:
		return "vip"
	case Immediate:
		return "immediate"
	case High:
		return "high"
	case Low:
		return "low"
	case Idle:
		return "idle"
	default:
		return "priority(?)"
	}
}

// adapterOrder lists the non-idle priorities in dispatch precedence.
var adapterOrder = [...]Priority{VIP, Immediate, High, Low}

// ThreadMode selects whether dispatch runs on a shared worker-pool thread
// or is driven by a dedicated event loop (Concurrent kind only).
type ThreadMode int

const (
	ThreadModeTask ThreadMode = iota
	ThreadModeLoop
)

// Attr configures a Queue at creation.
type Attr struct {
	QoS            qos.Level
	TimeoutUS      int64
	TimeoutCB      func(label string)
	Kind           Kind
	MaxConcurrency int
	ThreadMode     ThreadMode
	// EventHandler is an opaque handle the EventHandlerInteractive and
	// EventHandlerAdapter variants carry alongside the queue; the core
	// never type-asserts it or assumes it outlives the queue (see
	// SPEC_FULL.md's EventHandler open question).
	EventHandler any
}
