// Package monitor implements the periodic watchdogs of SPEC_FULL.md §4.I:
// a queue-timeout monitor that sweeps registered queues' running tasks for
// ones stuck past a shared threshold, and a worker-sampling monitor that
// repeatedly snapshots busy workers to catch a task hogging the same
// worker across several samples in a row.
package monitor

import (
	"sync"
	"time"

	"github.com/ffrt-go/ffrt/internal/ffrtlog"
	"github.com/ffrt-go/ffrt/queue"
)

// DefaultQueueTimeout is spec.md §5's task_timeout_threshold default, used
// as this monitor's sweep threshold when NewQueueMonitor is given none. A
// queue's own per-task watchdog does not use it: that watchdog is armed
// only when the queue's Attr.TimeoutUS is positive.
const DefaultQueueTimeout = 30 * time.Second

// queueBatchSize bounds how many registered queues one sweep visits,
// mirroring eventloop/registry.go's Scavenge(batchSize) partial-scan shape:
// a tick makes bounded progress through the registered set via a
// round-robin cursor rather than rescanning everything, so a large queue
// population can't turn one interval into an unbounded pause.
const queueBatchSize = 32

// taskWatch is one running task's watchdog bookkeeping.
type taskWatch struct {
	ref      time.Time // reference timestamp; reset each time the warning re-fires
	reported bool       // sysevent already emitted for this task
}

// QueueMonitor periodically scans registered queues' running tasks and
// reports ones that have exceeded timeout, independent of whatever
// queue.Attr.TimeoutUS that queue itself configured (see queue.Queue's own
// per-task watchdog in runOne). This is the system-wide safety net spec.md
// §4.I describes: it runs across every registered queue at one shared
// interval, warning (and reporting once) a task that's been running longer
// than timeout, then resetting its reference timestamp so the next warning
// only fires after another full timeout period.
type QueueMonitor struct {
	timeout  time.Duration
	onReport func(queueName, label string, gid uint64, age time.Duration)

	mu     sync.Mutex
	queues []*queue.Queue
	cursor int
	watch  map[*queue.Queue]map[uint64]*taskWatch

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewQueueMonitor constructs a QueueMonitor. timeout <= 0 falls back to
// DefaultQueueTimeout. onReport is invoked once per stuck task, the first
// time it's observed past timeout (spec.md's "sysevent, first-time per
// task"); pass nil to only log the warning.
func NewQueueMonitor(timeout time.Duration, onReport func(queueName, label string, gid uint64, age time.Duration)) *QueueMonitor {
	if timeout <= 0 {
		timeout = DefaultQueueTimeout
	}
	return &QueueMonitor{
		timeout:  timeout,
		onReport: onReport,
		watch:    make(map[*queue.Queue]map[uint64]*taskWatch),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register adds q to the set of queues scanned each sweep.
func (m *QueueMonitor) Register(q *queue.Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = append(m.queues, q)
}

// Unregister removes q, e.g. when queue.Queue.Destroy runs.
func (m *QueueMonitor) Unregister(q *queue.Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.queues {
		if existing == q {
			m.queues = append(m.queues[:i], m.queues[i+1:]...)
			break
		}
	}
	if m.cursor >= len(m.queues) {
		m.cursor = 0
	}
	delete(m.watch, q)
}

// Run starts the periodic sweep on its own goroutine, ticking every
// interval until Stop is called. Calling Run more than once is a no-op.
func (m *QueueMonitor) Run(interval time.Duration) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *QueueMonitor) sweep() {
	m.mu.Lock()
	n := len(m.queues)
	if n == 0 {
		m.mu.Unlock()
		return
	}
	end := m.cursor + queueBatchSize
	if end > n {
		end = n
	}
	batch := append([]*queue.Queue(nil), m.queues[m.cursor:end]...)
	m.cursor = end
	if m.cursor >= n {
		m.cursor = 0
	}
	m.mu.Unlock()

	now := time.Now()
	for _, q := range batch {
		m.sweepOne(q, now)
	}
}

func (m *QueueMonitor) sweepOne(q *queue.Queue, now time.Time) {
	running := q.RunningTasks()
	stillRunning := make(map[uint64]struct{}, len(running))

	for _, rt := range running {
		stillRunning[rt.GID] = struct{}{}

		m.mu.Lock()
		queueWatch, ok := m.watch[q]
		if !ok {
			queueWatch = make(map[uint64]*taskWatch)
			m.watch[q] = queueWatch
		}
		w, ok := queueWatch[rt.GID]
		if !ok {
			w = &taskWatch{ref: rt.Start}
			queueWatch[rt.GID] = w
		}
		overdue := now.Sub(w.ref) >= m.timeout
		firstReport := overdue && !w.reported
		if overdue {
			w.ref = now
			w.reported = true
		}
		m.mu.Unlock()

		if !overdue {
			continue
		}
		age := now.Sub(rt.Start)
		ffrtlog.Warn("monitor", "queue task exceeds timeout", "queue", q.Name(), "label", rt.Label, "age", age)
		if firstReport && m.onReport != nil {
			m.onReport(q.Name(), rt.Label, rt.GID, age)
		}
	}

	m.mu.Lock()
	if queueWatch, ok := m.watch[q]; ok {
		for gid := range queueWatch {
			if _, ok := stillRunning[gid]; !ok {
				delete(queueWatch, gid)
			}
		}
	}
	m.mu.Unlock()
}

// Stop halts the sweep goroutine and waits for it to exit. Safe to call
// more than once, and safe even if Run was never called.
func (m *QueueMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
}
