package monitor

import (
	"runtime"
	"sync"
	"time"

	"github.com/ffrt-go/ffrt/internal/ffrtlog"
	"github.com/ffrt-go/ffrt/qos"
	"github.com/ffrt-go/ffrt/worker"
)

// DefaultSampleInterval and DefaultStuckSamples bound how aggressively the
// worker monitor flags a long-running task: a task must be observed across
// at least StuckSamples consecutive samples, spaced SampleInterval apart,
// before a backtrace is captured.
const (
	DefaultSampleInterval = 5 * time.Second
	DefaultStuckSamples   = 3
)

// Backtrace is the diagnostic snapshot captured for a worker seen running
// the same task across multiple consecutive samples. Go has no equivalent
// of the original's saved coroutine register set to reconstruct a single
// goroutine's frame from cold storage, so this captures a full stack dump
// instead, the nearest Go-idiomatic stand-in for "what is this worker doing
// right now" (the target goroutine's own frames are in there, interleaved
// with everything else's).
type Backtrace struct {
	Level      qos.Level
	Label      string
	GID        uint64
	SampleHits int
	Stack      string
}

type workerState struct {
	gid  uint64
	hits int
}

// WorkerMonitor periodically samples every busy worker's current task
// (worker.Manager.Sample) and, when the same task is seen running on the
// same worker across several consecutive samples, captures a Backtrace.
type WorkerMonitor struct {
	mgr     *worker.Manager
	stuckAt int
	onStuck func(Backtrace)

	mu    sync.Mutex
	state map[*worker.Thread]*workerState

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWorkerMonitor constructs a WorkerMonitor over mgr. stuckAt <= 0 falls
// back to DefaultStuckSamples. onStuck, if non-nil, is invoked exactly once
// per stuck episode, the sample at which the hit count first reaches
// stuckAt (not on every sample after).
func NewWorkerMonitor(mgr *worker.Manager, stuckAt int, onStuck func(Backtrace)) *WorkerMonitor {
	if stuckAt <= 0 {
		stuckAt = DefaultStuckSamples
	}
	return &WorkerMonitor{
		mgr:     mgr,
		stuckAt: stuckAt,
		onStuck: onStuck,
		state:   make(map[*worker.Thread]*workerState),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run starts the periodic sample loop on its own goroutine, ticking every
// interval until Stop is called. Calling Run more than once is a no-op.
func (m *WorkerMonitor) Run(interval time.Duration) {
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
				m.sample()
			}
		}
	}()
}

func (m *WorkerMonitor) sample() {
	samples := m.mgr.Sample()
	seen := make(map[*worker.Thread]struct{}, len(samples))

	for _, s := range samples {
		seen[s.Worker] = struct{}{}

		m.mu.Lock()
		st, ok := m.state[s.Worker]
		if !ok || st.gid != s.GID {
			st = &workerState{gid: s.GID}
			m.state[s.Worker] = st
		}
		st.hits++
		hits := st.hits
		m.mu.Unlock()

		if hits == m.stuckAt {
			buf := make([]byte, 1<<16)
			n := runtime.Stack(buf, true)
			ffrtlog.Warn("monitor", "worker stuck on same task across samples",
				"qos", s.Level, "label", s.Label, "samples", hits)
			if m.onStuck != nil {
				m.onStuck(Backtrace{
					Level:      s.Level,
					Label:      s.Label,
					GID:        s.GID,
					SampleHits: hits,
					Stack:      string(buf[:n]),
				})
			}
		}
	}

	m.mu.Lock()
	for w := range m.state {
		if _, ok := seen[w]; !ok {
			delete(m.state, w)
		}
	}
	m.mu.Unlock()
}

// Stop halts the sample goroutine and waits for it to exit. Safe to call
// more than once, and safe even if Run was never called.
func (m *WorkerMonitor) Stop() {
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
