//go:build linux

package loop_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/ffrt-go/ffrt/execunit"
	"github.com/ffrt-go/ffrt/loop"
	"github.com/ffrt-go/ffrt/poller"
	"github.com/ffrt-go/ffrt/qos"
	"github.com/ffrt-go/ffrt/queue"
	"github.com/ffrt-go/ffrt/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newUnit(t *testing.T) *execunit.Unit {
	t.Helper()
	u, err := execunit.New()
	require.NoError(t, err)
	t.Cleanup(u.Teardown)
	return u
}

func TestLoopDeliversBoundQueueSubmissions(t *testing.T) {
	u := newUnit(t)
	q := queue.New(u, queue.Concurrent, "loop-bound", queue.Attr{QoS: qos.Background, MaxConcurrency: 1})
	t.Cleanup(q.Destroy)

	l, err := loop.Create(q)
	require.NoError(t, err)
	t.Cleanup(l.Destroy)

	go l.Run()

	var ran atomic.Bool
	done := make(chan struct{})
	q.Submit(func() {
		ran.Store(true)
		close(done)
	}, task.Attr{Label: "via-loop"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran through the loop")
	}
	assert.True(t, ran.Load())
}

func TestLoopRunTwiceReturnsAlreadyRunning(t *testing.T) {
	u := newUnit(t)
	q := queue.New(u, queue.Concurrent, "run-twice", queue.Attr{QoS: qos.Background})
	t.Cleanup(q.Destroy)

	l, err := loop.Create(q)
	require.NoError(t, err)
	t.Cleanup(l.Destroy)

	started := make(chan struct{})
	go func() {
		close(started)
		_ = l.Run()
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	assert.ErrorIs(t, l.Run(), loop.ErrLoopAlreadyRunning)
}

func TestLoopStopWithoutRunIsSafe(t *testing.T) {
	u := newUnit(t)
	q := queue.New(u, queue.Concurrent, "never-run", queue.Attr{QoS: qos.Background})
	t.Cleanup(q.Destroy)

	l, err := loop.Create(q)
	require.NoError(t, err)
	l.Stop()
	l.Destroy()
	l.Destroy()
}

func TestLoopEpollCtlFiresCallbackOnReadable(t *testing.T) {
	u := newUnit(t)
	q := queue.New(u, queue.Concurrent, "epoll", queue.Attr{QoS: qos.Background})
	t.Cleanup(q.Destroy)

	l, err := loop.Create(q)
	require.NoError(t, err)
	t.Cleanup(l.Destroy)

	go l.Run()

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})

	fired := make(chan poller.Events, 1)
	require.NoError(t, l.EpollCtl(poller.OpAdd, fds[0], poller.EventRead, "payload", func(data any, ev poller.Events) {
		assert.Equal(t, "payload", data)
		fired <- ev
	}))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	select {
	case ev := <-fired:
		assert.NotZero(t, ev&poller.EventRead)
	case <-time.After(2 * time.Second):
		t.Fatal("epoll callback never fired")
	}
}

func TestLoopTimerStartFiresAndStop(t *testing.T) {
	u := newUnit(t)
	q := queue.New(u, queue.Concurrent, "timer", queue.Attr{QoS: qos.Background})
	t.Cleanup(q.Destroy)

	l, err := loop.Create(q)
	require.NoError(t, err)
	t.Cleanup(l.Destroy)

	go l.Run()

	fired := make(chan struct{}, 1)
	h := l.TimerStart(10, nil, func(any) { fired <- struct{}{} }, false)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	l.TimerStop(h)
}
