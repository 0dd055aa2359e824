// Package task defines the tagged task variants that flow through the
// scheduler, queue handlers, and coroutine engine: normal user-submitted
// tasks, queue-delivered tasks, and bare io-executor callbacks that skip the
// coroutine engine entirely.
package task

import (
	"errors"
	"sync/atomic"

	"github.com/ffrt-go/ffrt/qos"
)

// ErrFailed is the generic sentinel returned for state-violation and
// invalid-argument rejections that spec.md's C layer represents as an
// integer FAILED (=1) return code.
var ErrFailed = errors.New("ffrt: operation failed")

// gidSeq backs the monotonically unique task identifier.
var gidSeq atomic.Uint64

// NextGID returns a fresh, process-wide unique task identifier.
func NextGID() uint64 { return gidSeq.Add(1) }

// State is the task's scheduling state.
type State int32

const (
	Pending State = iota
	Ready
	Running
	Blocked
	Exited
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Exited:
		return "exited"
	default:
		return "state(?)"
	}
}

// Status is the coroutine binding sub-state of a task, distinct from State:
// a task can be Ready/Running while its bound coroutine is Uninitialized
// (never switched into) or NotFinish (suspended mid-execution).
type Status int32

const (
	Uninitialized Status = iota
	StatusRunning
	NotFinish
)

// BlockType selects how a task blocks: cooperatively (coroutine yields back
// to the scheduler) or by parking the whole worker thread (legacy mode, used
// by io-executor tasks that never bind a coroutine).
type BlockType int

const (
	Coroutine BlockType = iota
	Thread
)

// Variant tags which concrete task kind a Task is, for behavior tables that
// read more naturally as a switch than a type assertion chain.
type Variant int

const (
	VariantNormal Variant = iota
	VariantQueue
	VariantIOExecutor
)

func (v Variant) String() string {
	switch v {
	case VariantNormal:
		return "normal"
	case VariantQueue:
		return "queue"
	case VariantIOExecutor:
		return "io_executor"
	default:
		return "variant(?)"
	}
}

// Local is task-local storage, the TSD analog: the map travels with the
// task and is read through Task.Local. It is not installed into the worker's
// Env on switch-in or cleared on switch-out.
type Local map[string]any

// Attr carries the submission-time configuration of a task, mirroring
// spec.md §4.E's attribute table: {qos, priority, delay_us, label,
// notify_worker, timeout_us, timeout_cb, stack_size, task_local}.
type Attr struct {
	QoS          qos.Level
	Priority     int // interpreted by package queue for the adapter variant
	DelayUS      int64
	Label        string
	NotifyWorker bool
	TimeoutUS    int64
	TimeoutCB    func(label string)
	StackSize    int
	TaskLocal    Local
}

// Handle is an opaque submission result, usable for Cancel/Wait lookups.
type Handle struct {
	GID uint64
}

// Task is implemented by *Normal, *Queued, and *IOExecutor. GID, State, and
// the ref-counting pair are common to every variant; Execute and Destroy are
// the variant-specific hooks invoked by the coroutine engine's co_entry.
type Task interface {
	GID() uint64
	Variant() Variant
	QoS() qos.Level
	State() State
	SetState(State)
	Status() Status
	SetStatus(Status)
	BlockType() BlockType

	// IncDeleteRef/DecDeleteRef govern memory lifetime: the task is only
	// eligible for release once delete_ref reaches zero. WaitRef governs a
	// disjoint concern — the count of goroutines parked in SubmitWait —
	// and must never be merged with delete_ref (doing so changes waiter
	// semantics, per SPEC_FULL.md §9).
	IncDeleteRef() int32
	DecDeleteRef() int32
	IncWaitRef() int32
	DecWaitRef() int32

	// Execute runs the user closure. Destroy, if non-nil, runs immediately
	// after Execute returns, mirroring func_storage's exec/destroy pair.
	Execute()
	Destroy()

	// Local returns the task's thread-local-storage-equivalent map, or nil
	// if the task did not opt in.
	Local() Local

	// TraceTag is the stack of scope names carried across suspensions for
	// async trace continuity.
	TraceTag() *[]string

	Label() string
}

// base implements the fields and ref-counting shared by every variant.
type base struct {
	gid       uint64
	variant   Variant
	qosLevel  qos.Level
	state     atomic.Int32
	status    atomic.Int32
	blockType BlockType
	deleteRef atomic.Int32
	waitRef   atomic.Int32
	local     Local
	traceTag  []string
	label     string
	fn        func()
	destroy   func()
}

func newBase(variant Variant, attr Attr) base {
	b := base{
		gid:       NextGID(),
		variant:   variant,
		qosLevel:  attr.QoS,
		blockType: Coroutine,
		local:     attr.TaskLocal,
		label:     attr.Label,
	}
	b.deleteRef.Store(1)
	return b
}

func (b *base) GID() uint64           { return b.gid }
func (b *base) Variant() Variant      { return b.variant }
func (b *base) QoS() qos.Level        { return b.qosLevel }
func (b *base) State() State          { return State(b.state.Load()) }
func (b *base) SetState(s State)      { b.state.Store(int32(s)) }
func (b *base) Status() Status        { return Status(b.status.Load()) }
func (b *base) SetStatus(s Status)    { b.status.Store(int32(s)) }
func (b *base) BlockType() BlockType  { return b.blockType }
func (b *base) Local() Local          { return b.local }
func (b *base) TraceTag() *[]string   { return &b.traceTag }
func (b *base) Label() string         { return b.label }
func (b *base) IncDeleteRef() int32   { return b.deleteRef.Add(1) }
func (b *base) DecDeleteRef() int32   { return b.deleteRef.Add(-1) }
func (b *base) IncWaitRef() int32     { return b.waitRef.Add(1) }
func (b *base) DecWaitRef() int32     { return b.waitRef.Add(-1) }
func (b *base) Destroy() {
	if b.destroy != nil {
		b.destroy()
	}
}

// Normal is a user-submitted task, possibly with data dependencies; it
// lives until its final delete-ref drop.
type Normal struct {
	base
	parent     *Normal
	childCount atomic.Int32
}

// NewNormal constructs a Normal task wrapping fn, ready for submission to
// the scheduler.
func NewNormal(fn func(), attr Attr) *Normal {
	n := &Normal{base: newBase(VariantNormal, attr)}
	n.fn = fn
	n.destroy = nil
	n.state.Store(int32(Pending))
	n.status.Store(int32(Uninitialized))
	return n
}

func (n *Normal) Execute() {
	if n.fn != nil {
		n.fn()
	}
}

// Parent returns the submitting task, or nil for a root submission.
func (n *Normal) Parent() *Normal { return n.parent }

// SetParent records the submitting task and increments its child count.
func (n *Normal) SetParent(p *Normal) {
	n.parent = p
	if p != nil {
		p.childCount.Add(1)
	}
}

// ChildCount reports how many child tasks are currently tracked.
func (n *Normal) ChildCount() int32 { return n.childCount.Load() }

// Queued is a task submitted through a queue handler; it carries a delivery
// deadline and, for the adapter queue variant, a priority.
type Queued struct {
	base
	Uptime   int64 // µs epoch deadline, see queue.WhenMap
	Priority int
	QueueID  uint32
}

// NewQueued constructs a Queued task for submission into a queue's when_map.
func NewQueued(fn func(), attr Attr, uptime int64, queueID uint32) *Queued {
	q := &Queued{base: newBase(VariantQueue, attr), Uptime: uptime, Priority: attr.Priority, QueueID: queueID}
	q.fn = fn
	q.state.Store(int32(Pending))
	q.status.Store(int32(Uninitialized))
	return q
}

func (q *Queued) Execute() {
	// A queue task bumps its own ref while executing to prevent the head
	// node from being freed out from under an in-flight batch.
	q.IncDeleteRef()
	defer q.DecDeleteRef()
	if q.fn != nil {
		q.fn()
	}
}

// IOExecutor runs a plain function without binding a coroutine; used for
// short callbacks where the cost of a handoff channel pair isn't worth it.
type IOExecutor struct {
	base
}

// NewIOExecutor constructs an IOExecutor task. Its BlockType is always
// Thread: io-executor tasks never yield cooperatively, so there is no
// coroutine to switch out of.
func NewIOExecutor(fn func(), attr Attr) *IOExecutor {
	e := &IOExecutor{base: newBase(VariantIOExecutor, attr)}
	e.fn = fn
	e.blockType = Thread
	e.state.Store(int32(Pending))
	e.status.Store(int32(Uninitialized))
	return e
}

func (e *IOExecutor) Execute() {
	if e.fn != nil {
		e.fn()
	}
}
