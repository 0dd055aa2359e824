// Package qosmonitor implements the per-QoS worker-population controller
// described in spec.md §4.F: it decides, on every task-lifecycle event,
// whether to wake a sleeping worker, spawn a new one, or do nothing, using
// one of three notify strategies of increasing conservatism.
package qosmonitor

import (
	"sync"
	"time"

	"github.com/ffrt-go/ffrt/internal/ffrtlog"
	"github.com/ffrt-go/ffrt/internal/ratebudget"
	"github.com/ffrt-go/ffrt/qos"
)

// escapeStageDelay bounds how often a single QoS level may trigger a
// worker-escape spawn, so a burst of simultaneously-blocked workers can't
// all escape at once.
const escapeStageDelay = 2 * time.Millisecond

// triggerSuppressWorkerCount and triggerSuppressExecutionNum gate the
// default strategy's suppression of redundant wakeups when the group is
// already busy relative to the newly observed task count.
const (
	triggerSuppressWorkerCount    = 4
	triggerSuppressExecutionNum   = 2
	defaultHardLimit              = 128
)

// NotifyType classifies why Notify was called, mirroring the original's
// TaskNotifyType enum.
type NotifyType int

const (
	TaskAdded NotifyType = iota
	TaskPicked
	TaskEscaped
	TaskLocal
)

// Strategy selects how aggressively Notify pokes the worker population.
type Strategy int

const (
	// StrategyDefault is the most eager: it wakes or spawns a worker on
	// almost every notification unless the group already looks saturated.
	StrategyDefault Strategy = iota
	// StrategyConservative only reacts to TASK_PICKED when the load ratio
	// (task count / running workers) exceeds 1, otherwise behaves like
	// Default for other notify types.
	StrategyConservative
	// StrategyUltraConservative only spawns/wakes when the global task
	// count has caught up to or exceeded the running worker count.
	StrategyUltraConservative
)

// Ops is the set of callbacks the monitor invokes to actually change the
// worker population; implemented by package worker so qosmonitor never
// imports it (breaking the natural worker->qosmonitor dependency).
type Ops interface {
	WakeupWorkers(level qos.Level)
	IncWorker(level qos.Level)
	GetTaskCount(level qos.Level) int
	// WakePoller interrupts a worker blocked in PollOnce for level, so it
	// re-evaluates the queue instead of waiting out its poll timeout.
	WakePoller(level qos.Level)
}

// WorkerCtrl is the per-QoS worker-population record: spec.md §3's
// {hard_limit, max_concurrency, executing_count, sleeping_count,
// deep_sleeping_count, poll_wait_flag}.
type WorkerCtrl struct {
	mu sync.Mutex

	HardLimit       int
	MaxConcurrency  int
	ExecutionNum    int
	SleepingNum     int
	DeepSleepingNum int
	PollWaitFlag    bool
	IRQEnable       bool

	maxNumLocked bool
}

// Monitor owns one WorkerCtrl per QoS level and applies the selected
// Strategy whenever Notify observes a task-lifecycle event.
type Monitor struct {
	ctrl     [qos.NumLevels]*WorkerCtrl
	ops      Ops
	strategy Strategy
	escape   *ratebudget.Budget
}

// New constructs a Monitor. maxConcurrency[level] seeds each level's
// starting concurrency budget (typically from CPU topology); levels whose
// entry is zero or negative default to 1.
func New(ops Ops, strategy Strategy, maxConcurrency [qos.NumLevels]int) *Monitor {
	m := &Monitor{
		ops:      ops,
		strategy: strategy,
		escape:   ratebudget.New(map[time.Duration]int{escapeStageDelay: 1}),
	}
	for i := range m.ctrl {
		mc := maxConcurrency[i]
		if mc <= 0 {
			mc = 1
		}
		m.ctrl[i] = &WorkerCtrl{HardLimit: defaultHardLimit, MaxConcurrency: mc}
	}
	return m
}

func (m *Monitor) at(level qos.Level) *WorkerCtrl { return m.ctrl[int(level)] }

// SetWorkerMaxNum fixes level's hard limit, exactly once; subsequent calls
// fail, matching the original's "worker num can only been setup once".
func (m *Monitor) SetWorkerMaxNum(level qos.Level, n int) bool {
	c := m.at(level)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxNumLocked {
		ffrtlog.Warn("qosmonitor", "worker max num already set", "qos", level)
		return false
	}
	if n <= 0 {
		return false
	}
	c.HardLimit = n
	c.maxNumLocked = true
	return true
}

// IntoSleep records a worker about to block waiting for work, the
// counterpart to WakeupSleep/TimeoutCount/TryDestroy which all assume a
// prior IntoSleep call incremented the sleeping count.
func (m *Monitor) IntoSleep(level qos.Level) {
	c := m.at(level)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SleepingNum++
	c.ExecutionNum--
}

// WakeupSleep records that a sleeping worker has been woken (non-timeout
// path): decrements sleeping, increments executing.
func (m *Monitor) WakeupSleep(level qos.Level, irqWake bool) {
	c := m.at(level)
	c.mu.Lock()
	defer c.mu.Unlock()
	if irqWake {
		c.IRQEnable = false
	}
	c.SleepingNum--
	c.ExecutionNum++
}

// TimeoutCount records a sleeping worker waking due to its own idle
// timeout rather than an explicit wakeup; it does not become executing.
func (m *Monitor) TimeoutCount(level qos.Level) {
	c := m.at(level)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SleepingNum--
}

// TryDestroy records a sleeping worker retiring; returns true if other
// sleeping workers remain (so the caller is not the last one, a hint used
// to decide whether to keep at least one idle worker per QoS).
func (m *Monitor) TryDestroy(level qos.Level) bool {
	c := m.at(level)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SleepingNum--
	return c.SleepingNum > 0
}

// RollbackDestroy undoes a worker's decision to retire, e.g. because a task
// arrived between the decision and the actual teardown.
func (m *Monitor) RollbackDestroy(level qos.Level, irqWake bool) {
	c := m.at(level)
	c.mu.Lock()
	defer c.mu.Unlock()
	if irqWake {
		c.IRQEnable = false
	}
	c.ExecutionNum++
}

// IntoDeepSleep records a worker transitioning from light sleep to deep
// sleep (the two-stage idle sleep of spec.md §4.F).
func (m *Monitor) IntoDeepSleep(level qos.Level) {
	c := m.at(level)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DeepSleepingNum++
}

// WakeupDeepSleep records a deep-sleeping worker waking directly to
// executing.
func (m *Monitor) WakeupDeepSleep(level qos.Level, irqWake bool) {
	c := m.at(level)
	c.mu.Lock()
	defer c.mu.Unlock()
	if irqWake {
		c.IRQEnable = false
	}
	c.SleepingNum--
	c.DeepSleepingNum--
	c.ExecutionNum++
}

// OutOfPollWait clears the poll-wait flag once a worker leaves PollOnce.
func (m *Monitor) OutOfPollWait(level qos.Level) {
	c := m.at(level)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PollWaitFlag = false
}

// IntoPollWait sets the poll-wait flag while a worker blocks in PollOnce,
// so Poke knows it can wake it via the poller instead of spawning.
func (m *Monitor) IntoPollWait(level qos.Level) {
	c := m.at(level)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PollWaitFlag = true
}

// SleepingWorkerNum reports the current sleeping count for level.
func (m *Monitor) SleepingWorkerNum(level qos.Level) int {
	c := m.at(level)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SleepingNum
}

// WakedWorkerNum reports the current executing count for level.
func (m *Monitor) WakedWorkerNum(level qos.Level) int {
	c := m.at(level)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ExecutionNum
}

// TotalCount reports sleeping + executing for level.
func (m *Monitor) TotalCount(level qos.Level) int {
	c := m.at(level)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SleepingNum + c.ExecutionNum
}

// IsExceedHardLimit reports whether adding one more worker at level would
// exceed its hard limit.
func (m *Monitor) IsExceedHardLimit(level qos.Level) bool {
	c := m.at(level)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SleepingNum+c.ExecutionNum >= c.HardLimit
}

// Notify is the single entry point every task-lifecycle transition routes
// through: scheduler insert (TaskAdded), worker pickup (TaskPicked), worker
// escape spawn (TaskEscaped), and task-local submission (TaskLocal).
func (m *Monitor) Notify(level qos.Level, notifyType NotifyType) {
	switch m.strategy {
	case StrategyConservative:
		m.handleConservative(level, notifyType)
	case StrategyUltraConservative:
		m.handleUltraConservative(level, notifyType)
	default:
		m.handleDefault(level, notifyType)
	}
}

func (m *Monitor) handleDefault(level qos.Level, notifyType NotifyType) {
	taskCount := m.ops.GetTaskCount(level)
	switch notifyType {
	case TaskEscaped:
		// Staged delay: a burst of workers all hitting the escape hatch at
		// once must not all spawn replacements in the same instant.
		if taskCount > 0 && m.escape.Allow(level) {
			m.poke(level, taskCount, notifyType)
		}
	case TaskAdded, TaskPicked:
		if taskCount > 0 {
			m.poke(level, taskCount, notifyType)
		}
	case TaskLocal:
		m.poke(level, taskCount, notifyType)
	}
}

func (m *Monitor) handleConservative(level qos.Level, notifyType NotifyType) {
	if notifyType != TaskPicked {
		m.handleDefault(level, notifyType)
		return
	}
	taskCount := m.ops.GetTaskCount(level)
	if taskCount == 0 {
		return
	}
	c := m.at(level)
	c.mu.Lock()

	if notifyType == TaskPicked {
		wakedCount := c.ExecutionNum
		var loadRatio float64
		if wakedCount == 0 {
			loadRatio = float64(c.MaxConcurrency)
		} else {
			loadRatio = float64(taskCount) / float64(wakedCount)
		}
		if loadRatio <= 1.0 {
			c.mu.Unlock()
			return
		}
	}

	if c.ExecutionNum < c.MaxConcurrency {
		if c.SleepingNum == 0 {
			c.ExecutionNum++
			c.mu.Unlock()
			m.ops.IncWorker(level)
		} else {
			c.mu.Unlock()
			m.ops.WakeupWorkers(level)
		}
	} else {
		c.mu.Unlock()
	}
}

func (m *Monitor) handleUltraConservative(level qos.Level, _ NotifyType) {
	taskCount := m.ops.GetTaskCount(level)
	if taskCount == 0 {
		return
	}
	c := m.at(level)
	c.mu.Lock()
	defer c.mu.Unlock()

	if taskCount < c.ExecutionNum {
		return
	}
	if c.ExecutionNum < c.MaxConcurrency {
		if c.SleepingNum == 0 {
			c.ExecutionNum++
			c.mu.Unlock()
			m.ops.IncWorker(level)
			c.mu.Lock()
		} else {
			c.mu.Unlock()
			m.ops.WakeupWorkers(level)
			c.mu.Lock()
		}
	}
}

// poke is the default strategy's core decision: wake a sleeper, spawn a
// new worker, nudge a blocked poller, or do nothing, depending on current
// load relative to maxConcurrency/hardLimit.
func (m *Monitor) poke(level qos.Level, taskCount int, notifyType NotifyType) {
	c := m.at(level)
	c.mu.Lock()

	runningNum := c.ExecutionNum
	totalNum := c.SleepingNum + c.ExecutionNum

	triggerSuppression := totalNum > triggerSuppressWorkerCount &&
		runningNum > triggerSuppressExecutionNum &&
		taskCount < runningNum

	if notifyType != TaskAdded && notifyType != TaskEscaped && triggerSuppression {
		c.mu.Unlock()
		return
	}

	switch {
	case c.SleepingNum > 0 && runningNum < c.MaxConcurrency:
		c.mu.Unlock()
		m.ops.WakeupWorkers(level)
	case (runningNum < c.MaxConcurrency && totalNum < c.HardLimit) || runningNum == 0:
		c.ExecutionNum++
		c.mu.Unlock()
		m.ops.IncWorker(level)
	default:
		wait := c.PollWaitFlag
		c.mu.Unlock()
		if wait {
			ffrtlog.Debug("qosmonitor", "waking poll-waiting worker", "qos", level)
			m.ops.WakePoller(level)
		}
	}
}

// NotifyWorkers synchronously wakes up to n sleeping workers, then spawns
// additional ones up to the remaining increasable budget.
func (m *Monitor) NotifyWorkers(level qos.Level, n int) {
	c := m.at(level)
	c.mu.Lock()

	increasable := c.MaxConcurrency - (c.ExecutionNum + c.SleepingNum)
	wakeupNumber := n
	if c.SleepingNum < wakeupNumber {
		wakeupNumber = c.SleepingNum
	}
	c.mu.Unlock()

	for i := 0; i < wakeupNumber; i++ {
		m.ops.WakeupWorkers(level)
	}

	incNumber := n - wakeupNumber
	if incNumber > increasable {
		incNumber = increasable
	}
	if incNumber < 0 {
		incNumber = 0
	}

	c.mu.Lock()
	c.ExecutionNum += incNumber
	c.mu.Unlock()

	for i := 0; i < incNumber; i++ {
		m.ops.IncWorker(level)
	}
}

// IsExceedDeepSleepThreshold reports whether more than half the runtime's
// total worker population across all QoS levels is currently deep-sleeping
// -- a signal used to decide whether to skip spawning further workers.
func (m *Monitor) IsExceedDeepSleepThreshold() bool {
	var totalWorker, deepSleeping int
	for _, c := range m.ctrl {
		c.mu.Lock()
		deepSleeping += c.DeepSleepingNum
		totalWorker += c.ExecutionNum + c.SleepingNum
		c.mu.Unlock()
	}
	return deepSleeping*2 > totalWorker
}
