//go:build linux

package worker_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/ffrt-go/ffrt/poller"
	"github.com/ffrt-go/ffrt/qos"
	"github.com/ffrt-go/ffrt/qosmonitor"
	"github.com/ffrt-go/ffrt/scheduler"
	"github.com/ffrt-go/ffrt/task"
	"github.com/ffrt-go/ffrt/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, opts ...worker.Option) *worker.Manager {
	t.Helper()
	p, err := poller.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	sched := scheduler.New()
	m := worker.New(sched, p, opts...)
	t.Cleanup(m.Teardown)
	return m
}

func TestSubmitRunsTask(t *testing.T) {
	m := newManager(t)

	done := make(chan struct{})
	tk := task.NewNormal(func() { close(done) }, task.Attr{QoS: qos.Background})
	require.True(t, m.Submit(qos.Background, tk))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestSubmitRunsManyTasksConcurrently(t *testing.T) {
	m := newManager(t, worker.WithMaxConcurrency(qos.Background, 4))

	const n = 50
	var ran atomic.Int32
	done := make(chan struct{})
	var remaining atomic.Int32
	remaining.Store(n)

	for i := 0; i < n; i++ {
		tk := task.NewNormal(func() {
			ran.Add(1)
			if remaining.Add(-1) == 0 {
				close(done)
			}
		}, task.Attr{QoS: qos.Background})
		require.True(t, m.Submit(qos.Background, tk))
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("only %d/%d tasks ran", ran.Load(), n)
	}
	assert.EqualValues(t, n, ran.Load())
}

func TestSubmitAfterTeardownFails(t *testing.T) {
	m := newManager(t)
	m.Teardown()

	tk := task.NewNormal(func() {}, task.Attr{})
	assert.False(t, m.Submit(qos.Background, tk))
}

func TestSetWorkerStackSizeRejectedWhenGroupNonEmpty(t *testing.T) {
	m := newManager(t)

	done := make(chan struct{})
	tk := task.NewNormal(func() {
		<-done // keep the worker (and its group) alive
	}, task.Attr{QoS: qos.Background})
	require.True(t, m.Submit(qos.Background, tk))

	require.Eventually(t, func() bool {
		return !m.SetWorkerStackSize(qos.Background, 1<<20)
	}, time.Second, time.Millisecond)

	close(done)
}

func TestSetEscapeEnableIsOneShot(t *testing.T) {
	m := newManager(t)
	assert.True(t, m.SetEscapeEnable(true))
	assert.False(t, m.SetEscapeEnable(false))
}

func TestConservativeStrategyManagerWiring(t *testing.T) {
	m := newManager(t, worker.WithStrategy(qosmonitor.StrategyConservative))

	done := make(chan struct{})
	tk := task.NewNormal(func() { close(done) }, task.Attr{QoS: qos.UserInteractive})
	require.True(t, m.Submit(qos.UserInteractive, tk))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run under conservative strategy")
	}
}
